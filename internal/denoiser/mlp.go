package denoiser

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"locodiff/internal/tensor"
)

// noiseFeatures is the width of the noise-level embedding.
const noiseFeatures = 3

// MLPConfig sizes the reference network. The whole window is flattened into
// one input row together with the observation history and a noise-level
// embedding.
type MLPConfig struct {
	Len     int `json:"len" yaml:"len"`
	Dim     int `json:"dim" yaml:"dim"`
	CondLen int `json:"cond_len" yaml:"cond_len"`
	ObsDim  int `json:"obs_dim" yaml:"obs_dim"`
	Hidden  int `json:"hidden" yaml:"hidden"`
}

func (c MLPConfig) Validate() error {
	if c.Len <= 0 || c.Dim <= 0 || c.Hidden <= 0 {
		return fmt.Errorf("mlp len, dim and hidden must be > 0, got %d, %d, %d", c.Len, c.Dim, c.Hidden)
	}
	if c.CondLen < 0 || c.ObsDim < 0 {
		return errors.New("mlp conditioning sizes must be >= 0")
	}
	return nil
}

func (c MLPConfig) inputs() int  { return c.Len*c.Dim + c.CondLen*c.ObsDim + noiseFeatures }
func (c MLPConfig) outputs() int { return c.Len * c.Dim }

// MLP is a one-hidden-layer tanh network over the flattened window.
type MLP struct {
	cfg MLPConfig

	w1, b1, w2, b2 *Param
	dense1, dense2 *mat.Dense

	training bool
	input    *mat.Dense
	hidden   *mat.Dense
}

func NewMLP(cfg MLPConfig, rng *rand.Rand) (*MLP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	in, out := cfg.inputs(), cfg.outputs()
	m := &MLP{
		cfg: cfg,
		w1:  NewParam("w1", make([]float64, in*cfg.Hidden), true),
		b1:  NewParam("b1", make([]float64, cfg.Hidden), false),
		w2:  NewParam("w2", make([]float64, cfg.Hidden*out), true),
		b2:  NewParam("b2", make([]float64, out), false),
	}
	scale1 := 1 / math.Sqrt(float64(in))
	for i := range m.w1.Value {
		m.w1.Value[i] = rng.NormFloat64() * scale1
	}
	scale2 := 1 / math.Sqrt(float64(cfg.Hidden))
	for i := range m.w2.Value {
		m.w2.Value[i] = rng.NormFloat64() * scale2
	}
	// The dense views alias the parameter storage.
	m.dense1 = mat.NewDense(in, cfg.Hidden, m.w1.Value)
	m.dense2 = mat.NewDense(cfg.Hidden, out, m.w2.Value)
	return m, nil
}

func (m *MLP) Config() MLPConfig { return m.cfg }

func (m *MLP) Denoise(x *tensor.Seq, sigma []float64, cond Conditioning) (*tensor.Seq, error) {
	if x.L != m.cfg.Len || x.D != m.cfg.Dim {
		return nil, fmt.Errorf("%w: mlp expects [*, %d, %d], got %v", ErrShape, m.cfg.Len, m.cfg.Dim, x.Shape())
	}
	if len(sigma) != x.B {
		return nil, fmt.Errorf("%w: %d noise levels for batch %d", ErrShape, len(sigma), x.B)
	}
	if cond.Obs != nil && (cond.Obs.B != x.B || cond.Obs.L != m.cfg.CondLen || cond.Obs.D != m.cfg.ObsDim) {
		return nil, fmt.Errorf("%w: mlp expects history [%d, %d, %d], got %v",
			ErrShape, x.B, m.cfg.CondLen, m.cfg.ObsDim, cond.Obs.Shape())
	}

	input := mat.NewDense(x.B, m.cfg.inputs(), nil)
	for b := 0; b < x.B; b++ {
		row := input.RawRowView(b)
		n := copy(row, x.Batch(b))
		if cond.Obs != nil {
			n += copy(row[n:], cond.Obs.Batch(b))
		} else {
			n += m.cfg.CondLen * m.cfg.ObsDim
		}
		s := sigma[b]
		row[n], row[n+1], row[n+2] = s/(1+math.Abs(s)), math.Sin(s), math.Cos(s)
	}

	hidden := mat.NewDense(x.B, m.cfg.Hidden, nil)
	hidden.Mul(input, m.dense1)
	for b := 0; b < x.B; b++ {
		row := hidden.RawRowView(b)
		floats.Add(row, m.b1.Value)
		for i, v := range row {
			row[i] = math.Tanh(v)
		}
	}

	output := mat.NewDense(x.B, m.cfg.outputs(), nil)
	output.Mul(hidden, m.dense2)
	out := tensor.Like(x)
	for b := 0; b < x.B; b++ {
		row := output.RawRowView(b)
		floats.Add(row, m.b2.Value)
		copy(out.Batch(b), row)
	}

	if m.training {
		m.input, m.hidden = input, hidden
	}
	return out, nil
}

func (m *MLP) Backward(grad *tensor.Seq) error {
	if !m.training {
		return ErrNotTraining
	}
	if m.input == nil {
		return ErrNoForward
	}
	batch, _ := m.input.Dims()
	if grad.B != batch || grad.L != m.cfg.Len || grad.D != m.cfg.Dim {
		return fmt.Errorf("%w: gradient %v for batch %d", ErrShape, grad.Shape(), batch)
	}

	gOut := mat.NewDense(batch, m.cfg.outputs(), append([]float64(nil), grad.Data...))
	for b := 0; b < batch; b++ {
		floats.Add(m.b2.Grad, gOut.RawRowView(b))
	}
	var dW2 mat.Dense
	dW2.Mul(m.hidden.T(), gOut)
	floats.Add(m.w2.Grad, dW2.RawMatrix().Data)

	var gHidden mat.Dense
	gHidden.Mul(gOut, m.dense2.T())
	for b := 0; b < batch; b++ {
		row := gHidden.RawRowView(b)
		h := m.hidden.RawRowView(b)
		for i := range row {
			row[i] *= 1 - h[i]*h[i]
		}
		floats.Add(m.b1.Grad, row)
	}
	var dW1 mat.Dense
	dW1.Mul(m.input.T(), &gHidden)
	floats.Add(m.w1.Grad, dW1.RawMatrix().Data)
	return nil
}

func (m *MLP) SetTraining(training bool) {
	m.training = training
	if !training {
		m.input, m.hidden = nil, nil
	}
}

func (m *MLP) Params() []*Param { return []*Param{m.w1, m.b1, m.w2, m.b2} }

func (m *MLP) ParamGroups() (decay, noDecay []*Param) { return Groups(m.Params()) }

func (m *MLP) NumParams() int { return Count(m.Params()) }
