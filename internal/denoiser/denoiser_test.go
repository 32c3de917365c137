package denoiser

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"locodiff/internal/tensor"
)

func testMLP(t *testing.T, seed int64) *MLP {
	t.Helper()
	m, err := NewMLP(MLPConfig{Len: 4, Dim: 3, CondLen: 2, ObsDim: 2, Hidden: 8}, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("new mlp: %v", err)
	}
	return m
}

func testInputs(seed int64) (*tensor.Seq, []float64, Conditioning) {
	rng := rand.New(rand.NewSource(seed))
	x := tensor.Randn(3, 4, 3, rng)
	cond := Conditioning{Obs: tensor.Randn(3, 2, 2, rng)}
	return x, []float64{0.1, 1, 5}, cond
}

func TestCFGUnitWeightIsConditional(t *testing.T) {
	m := testMLP(t, 1)
	cfg, err := NewCFGWrapper(m, 1, 0.1, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("new cfg: %v", err)
	}
	x, sigma, cond := testInputs(3)
	want, err := m.Denoise(x, sigma, cond)
	if err != nil {
		t.Fatalf("conditional: %v", err)
	}
	got, err := cfg.Denoise(x, sigma, cond)
	if err != nil {
		t.Fatalf("guided: %v", err)
	}
	if diff := cmp.Diff(want.Data, got.Data); diff != "" {
		t.Fatalf("guidance weight 1 changed the prediction (-want +got):\n%s", diff)
	}
}

func TestCFGExtrapolates(t *testing.T) {
	m := testMLP(t, 1)
	cfg, err := NewCFGWrapper(m, 2.5, 0.1, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("new cfg: %v", err)
	}
	x, sigma, cond := testInputs(4)
	c, _ := m.Denoise(x, sigma, cond)
	u, _ := m.Denoise(x, sigma, Conditioning{Obs: tensor.Like(cond.Obs)})
	got, err := cfg.Denoise(x, sigma, cond)
	if err != nil {
		t.Fatalf("guided: %v", err)
	}
	for i := range got.Data {
		want := u.Data[i] + 2.5*(c.Data[i]-u.Data[i])
		if math.Abs(got.Data[i]-want) > 1e-12 {
			t.Fatalf("index %d: got=%v want=%v", i, got.Data[i], want)
		}
	}
}

// recorder is a Network that remembers the conditioning it was called with.
type recorder struct {
	lastObs *tensor.Seq
	grads   int
}

func (r *recorder) Denoise(x *tensor.Seq, _ []float64, cond Conditioning) (*tensor.Seq, error) {
	r.lastObs = cond.Obs
	return x.Clone(), nil
}
func (r *recorder) Params() []*Param                       { return nil }
func (r *recorder) ParamGroups() (decay, noDecay []*Param) { return nil, nil }
func (r *recorder) NumParams() int                         { return 0 }
func (r *recorder) Backward(*tensor.Seq) error             { r.grads++; return nil }
func (r *recorder) SetTraining(bool)                       {}

func TestCFGDropsConditioningDuringTraining(t *testing.T) {
	inner := &recorder{}
	cfg, err := NewCFGWrapper(inner, 1, 0.5, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("new cfg: %v", err)
	}
	cfg.SetTraining(true)

	obs := tensor.New(1000, 1, 1)
	obs.Fill(1)
	if _, err := cfg.Denoise(tensor.New(1000, 1, 1), make([]float64, 1000), Conditioning{Obs: obs}); err != nil {
		t.Fatalf("denoise: %v", err)
	}
	dropped := 0
	for _, v := range inner.lastObs.Data {
		if v == 0 {
			dropped++
		}
	}
	if dropped < 400 || dropped > 600 {
		t.Fatalf("expected about half the batch dropped, got %d", dropped)
	}
	if obs.Data[0] != 1 || obs.Data[999] != 1 {
		t.Fatal("caller conditioning must not be modified")
	}
	if err := cfg.Backward(tensor.New(1000, 1, 1)); err != nil || inner.grads != 1 {
		t.Fatalf("backward should reach the inner network: err=%v calls=%d", err, inner.grads)
	}

	cfg.SetTraining(false)
	if err := cfg.Backward(tensor.New(1000, 1, 1)); !errors.Is(err, ErrNotTraining) {
		t.Fatalf("expected ErrNotTraining, got %v", err)
	}
}

func TestCFGRejectsBadProbability(t *testing.T) {
	if _, err := NewCFGWrapper(&recorder{}, 1, 1, rand.New(rand.NewSource(1))); err == nil {
		t.Fatal("expected an error for drop probability 1")
	}
}

func TestScalingCoefficients(t *testing.T) {
	w, err := NewScalingWrapper(&recorder{}, 0.5)
	if err != nil {
		t.Fatalf("new scaling: %v", err)
	}
	skip, out, in := w.Scalings(0.5)
	if math.Abs(skip-0.5) > 1e-12 || math.Abs(out-0.5/math.Sqrt2) > 1e-12 || math.Abs(in-1/(0.5*math.Sqrt2)) > 1e-12 {
		t.Fatalf("unexpected scalings: skip=%v out=%v in=%v", skip, out, in)
	}
	skip, out, _ = w.Scalings(0)
	if skip != 1 || out != 0 {
		t.Fatalf("sigma 0 must pass the input through: skip=%v out=%v", skip, out)
	}
}

// identity echoes its input, so the wrapper output is c_skip*x + c_out*c_in*x.
func TestScalingDenoiseComposition(t *testing.T) {
	w, _ := NewScalingWrapper(&recorder{}, 1)
	x := tensor.New(2, 1, 1)
	x.Data[0], x.Data[1] = 2, 2
	out, err := w.Denoise(x, []float64{1, 3}, Conditioning{})
	if err != nil {
		t.Fatalf("denoise: %v", err)
	}
	for b, sigma := range []float64{1, 3} {
		skip, cOut, in := w.Scalings(sigma)
		want := 2 * (skip + cOut*in)
		if math.Abs(out.Data[b]-want) > 1e-12 {
			t.Fatalf("batch %d: got=%v want=%v", b, out.Data[b], want)
		}
	}
}

func TestScalingLossGradientMatchesFiniteDifference(t *testing.T) {
	m := testMLP(t, 5)
	m.SetTraining(true)
	w, err := NewScalingWrapper(m, 0.5)
	if err != nil {
		t.Fatalf("new scaling: %v", err)
	}
	x, sigma, cond := testInputs(6)
	noise := tensor.Randn(3, 4, 3, rand.New(rand.NewSource(8)))
	weights := tensor.New(3, 4, 3)
	weights.Fill(1)
	weights.ZeroBatch(2)

	lossAt := func() float64 {
		for _, p := range m.Params() {
			p.ZeroGrad()
		}
		loss, err := w.Loss(x, noise, sigma, cond, weights)
		if err != nil {
			t.Fatalf("loss: %v", err)
		}
		return loss
	}

	lossAt()
	analytic := make([][]float64, len(m.Params()))
	for i, p := range m.Params() {
		analytic[i] = append([]float64(nil), p.Grad...)
	}

	const eps = 1e-6
	for i, p := range m.Params() {
		for _, j := range []int{0, len(p.Value) / 2, len(p.Value) - 1} {
			orig := p.Value[j]
			p.Value[j] = orig + eps
			plus := lossAt()
			p.Value[j] = orig - eps
			minus := lossAt()
			p.Value[j] = orig
			numeric := (plus - minus) / (2 * eps)
			if math.Abs(numeric-analytic[i][j]) > 1e-5*math.Max(1, math.Abs(numeric)) {
				t.Fatalf("param %s[%d]: analytic=%v numeric=%v", p.Name, j, analytic[i][j], numeric)
			}
		}
	}
}

func TestScalingLossZeroWeightMass(t *testing.T) {
	m := testMLP(t, 5)
	m.SetTraining(true)
	w, _ := NewScalingWrapper(m, 0.5)
	x, sigma, cond := testInputs(6)
	loss, err := w.Loss(x, tensor.Like(x), sigma, cond, tensor.Like(x))
	if err != nil || loss != 0 {
		t.Fatalf("expected zero loss for empty weights, got %v (%v)", loss, err)
	}
}

func TestMLPBackwardNeedsTraining(t *testing.T) {
	m := testMLP(t, 1)
	x, sigma, cond := testInputs(2)
	if _, err := m.Denoise(x, sigma, cond); err != nil {
		t.Fatalf("denoise: %v", err)
	}
	if err := m.Backward(tensor.Like(x)); !errors.Is(err, ErrNotTraining) {
		t.Fatalf("expected ErrNotTraining, got %v", err)
	}
	m.SetTraining(true)
	if err := m.Backward(tensor.Like(x)); !errors.Is(err, ErrNoForward) {
		t.Fatalf("expected ErrNoForward, got %v", err)
	}
}

func TestMLPRejectsWrongShapes(t *testing.T) {
	m := testMLP(t, 1)
	_, sigma, cond := testInputs(2)
	if _, err := m.Denoise(tensor.New(3, 5, 3), sigma, cond); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for window length, got %v", err)
	}
	if _, err := m.Denoise(tensor.New(3, 4, 3), sigma[:2], cond); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for noise levels, got %v", err)
	}
}

func TestParamHelpers(t *testing.T) {
	m := testMLP(t, 1)
	decay, noDecay := m.ParamGroups()
	if len(decay) != 2 || len(noDecay) != 2 {
		t.Fatalf("expected weights to decay and biases not to: %d/%d", len(decay), len(noDecay))
	}
	in := 4*3 + 2*2 + noiseFeatures
	if want := in*8 + 8 + 8*12 + 12; m.NumParams() != want {
		t.Fatalf("expected %d params, got %d", want, m.NumParams())
	}

	snap := Snapshot(m.Params())
	for _, p := range m.Params() {
		for i := range p.Value {
			p.Value[i] = 0
		}
	}
	if err := Load(m.Params(), snap); err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(snap, Snapshot(m.Params()), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("load did not restore values (-want +got):\n%s", diff)
	}
	if err := Load(m.Params(), snap[:1]); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}
