package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"locodiff/internal/config"
	"locodiff/internal/dataset"
	"locodiff/internal/denoiser"
	"locodiff/internal/env"
	"locodiff/internal/policy"
	"locodiff/internal/stats"
	"locodiff/internal/storage"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Policy.T = 4
	cfg.Policy.TCond = 2
	cfg.Policy.SamplingSteps = 3
	cfg.Dataset.TrainFraction = 0.75
	cfg.Dataset.BatchSize = 8
	cfg.Dataset.Workers = 2
	cfg.Model.Hidden = 16
	cfg.Runner.NumIters = 30
	cfg.Runner.SimInterval = 10
	cfg.Runner.EvalInterval = 10
	cfg.Runner.LogInterval = 5
	cfg.Runner.SimSteps = 50
	cfg.Runner.ArtifactsDir = t.TempDir()
	cfg.Env.NumEnvs = 2
	return cfg
}

func recordDataset(t *testing.T, cfg config.Config) *dataset.Dataset {
	t.Helper()
	vec, err := env.NewCartPole(4, "train", 11)
	if err != nil {
		t.Fatalf("new cart-pole: %v", err)
	}
	archive, err := env.Record(context.Background(), vec, env.NewExpert(0.2, 3), 130)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	ds, err := dataset.New(archive, DatasetConfig(cfg))
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	return ds
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}

func newRunner(t *testing.T, cfg config.Config, store storage.Store) *Runner {
	t.Helper()
	vec, err := env.NewCartPole(cfg.Env.NumEnvs, cfg.Env.Mode, 5)
	if err != nil {
		t.Fatalf("new cart-pole: %v", err)
	}
	r, err := New(recordDataset(t, cfg), Options{Config: cfg, Store: store, Env: vec})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func TestLearnRecordsHistoriesAndCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	store := newStore(t)
	r := newRunner(t, cfg, store)

	var calls int
	r.onIteration = func(iter, total int, loss float64) {
		calls++
		if total != 30 {
			t.Errorf("total = %d, want 30", total)
		}
	}
	res, err := r.Learn(context.Background())
	if err != nil {
		t.Fatalf("learn: %v", err)
	}
	if res.Iterations != 30 || calls != 30 || r.Iteration() != 30 {
		t.Fatalf("iterations=%d calls=%d counter=%d", res.Iterations, calls, r.Iteration())
	}
	if got := len(r.Losses()); got != 30 {
		t.Fatalf("expected 30 loss points, got %d", got)
	}

	evals := r.Evals()
	if len(evals) != 3 {
		t.Fatalf("expected evaluations at 0, 10 and 20, got %d", len(evals))
	}
	for i, e := range evals {
		if e.Iteration != i*10 {
			t.Fatalf("eval %d at iteration %d", i, e.Iteration)
		}
		if e.TestLoss == nil || e.MeanReward == nil || e.MeanLength == nil {
			t.Fatalf("eval %d missing fields: %+v", i, e)
		}
	}

	cp, ok, err := store.GetCheckpoint(context.Background(), r.RunID())
	if err != nil || !ok {
		t.Fatalf("checkpoint missing: ok=%v err=%v", ok, err)
	}
	if cp.Iteration != 30 || cp.SchemaVersion != storage.CurrentSchemaVersion {
		t.Fatalf("unexpected checkpoint header %+v", cp.Summary())
	}
	if len(cp.EMA) != len(r.Policy().Params()) {
		t.Fatalf("expected live weights next to the EMA parameters, got %d", len(cp.EMA))
	}
	losses, ok, err := store.GetLossHistory(context.Background(), r.RunID())
	if err != nil || !ok || len(losses) != 30 {
		t.Fatalf("loss history: ok=%v err=%v n=%d", ok, err, len(losses))
	}

	if res.RunDir == "" {
		t.Fatal("expected run artifacts directory")
	}
	index, err := stats.ListRunIndex(cfg.Runner.ArtifactsDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(index) != 1 || index[0].RunID != r.RunID() || index[0].Iterations != 30 {
		t.Fatalf("unexpected run index %+v", index)
	}
}

func TestRestoreResumesTraining(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runner.NumIters = 12
	store := newStore(t)
	r := newRunner(t, cfg, store)
	if _, err := r.Learn(context.Background()); err != nil {
		t.Fatalf("learn: %v", err)
	}

	vec, _ := env.NewCartPole(cfg.Env.NumEnvs, cfg.Env.Mode, 5)
	restored, err := Restore(context.Background(), r.RunID(), recordDataset(t, cfg), Options{Config: cfg, Store: store, Env: vec})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Iteration() != 12 {
		t.Fatalf("restored iteration %d, want 12", restored.Iteration())
	}
	if diff := cmp.Diff(denoiser.Snapshot(r.Policy().Params()), denoiser.Snapshot(restored.Policy().Params())); diff != "" {
		t.Fatalf("restored live weights differ (-want +got):\n%s", diff)
	}
	if restored.Policy().Steps() != r.Policy().Steps() || restored.Policy().LR() != r.Policy().LR() {
		t.Fatalf("optimizer state not restored: steps %d/%d lr %v/%v",
			restored.Policy().Steps(), r.Policy().Steps(), restored.Policy().LR(), r.Policy().LR())
	}
	if diff := cmp.Diff(r.Losses(), restored.Losses()); diff != "" {
		t.Fatalf("loss history differs (-want +got):\n%s", diff)
	}

	if _, err := restored.Learn(context.Background()); err != nil {
		t.Fatalf("resumed learn: %v", err)
	}
	losses := restored.Losses()
	if len(losses) != 24 || losses[12].Iteration != 12 || losses[23].Iteration != 23 {
		t.Fatalf("resumed history has %d points, last %+v", len(losses), losses[len(losses)-1])
	}
}

func TestLoadRejectsBadShadowWithoutTouchingPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runner.NumIters = 2
	store := newStore(t)
	r := newRunner(t, cfg, store)
	if _, err := r.Learn(context.Background()); err != nil {
		t.Fatalf("learn: %v", err)
	}
	cp, ok, err := store.GetCheckpoint(context.Background(), r.RunID())
	if err != nil || !ok {
		t.Fatalf("checkpoint missing: ok=%v err=%v", ok, err)
	}
	// Valid live weights next to a truncated shadow.
	for i := range cp.EMA {
		for j := range cp.EMA[i].Values {
			cp.EMA[i].Values[j] = 7
		}
	}
	cp.Params[0].Values = cp.Params[0].Values[:1]
	cp.Iteration = 99

	before := denoiser.Snapshot(r.Policy().Params())
	steps := r.Policy().Steps()
	if err := r.load(cp); !errors.Is(err, policy.ErrState) {
		t.Fatalf("expected policy.ErrState, got %v", err)
	}
	if diff := cmp.Diff(before, denoiser.Snapshot(r.Policy().Params())); diff != "" {
		t.Fatalf("failed load changed the weights (-before +after):\n%s", diff)
	}
	if r.Iteration() != 2 || r.Policy().Steps() != steps {
		t.Fatalf("failed load changed progress: iteration %d steps %d", r.Iteration(), r.Policy().Steps())
	}
}

func TestInferenceRestoresLiveWeights(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runner.NumIters = 5
	r := newRunner(t, cfg, newStore(t))
	if _, err := r.Learn(context.Background()); err != nil {
		t.Fatalf("learn: %v", err)
	}
	before := denoiser.Snapshot(r.Policy().Params())
	if _, err := r.Evaluate(context.Background()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if _, err := r.Play(context.Background(), 10); err != nil {
		t.Fatalf("play: %v", err)
	}
	if diff := cmp.Diff(before, denoiser.Snapshot(r.Policy().Params())); diff != "" {
		t.Fatalf("inference leaked EMA weights (-before +after):\n%s", diff)
	}
}

func TestLearnStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	r := newRunner(t, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Learn(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConstructionErrors(t *testing.T) {
	cfg := testConfig(t)
	if _, err := New(nil, Options{Config: cfg}); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	ds := recordDataset(t, cfg)
	wrongDims := &fakeEnv{n: 2, obs: 3, act: 1}
	if _, err := New(ds, Options{Config: cfg, Env: wrongDims}); !errors.Is(err, policy.ErrConfig) {
		t.Fatalf("expected policy.ErrConfig for mismatched env, got %v", err)
	}
	if _, err := Restore(context.Background(), "missing", ds, Options{Config: cfg, Store: newStore(t)}); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
}

type fakeEnv struct{ n, obs, act int }

func (f *fakeEnv) NumEnvs() int       { return f.n }
func (f *fakeEnv) ObsDim() int        { return f.obs }
func (f *fakeEnv) ActDim() int        { return f.act }
func (f *fakeEnv) Reset() [][]float64 { return make([][]float64, f.n) }
func (f *fakeEnv) Goal() []float64    { return make([]float64, f.obs) }
func (f *fakeEnv) Step([][]float64) ([][]float64, []float64, []bool, error) {
	return nil, nil, nil, errors.New("not implemented")
}
