// Package runner drives training: minibatch updates, EMA tracking, periodic
// evaluation and closed-loop rollouts, and checkpointing.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"locodiff/internal/config"
	"locodiff/internal/dataset"
	"locodiff/internal/denoiser"
	"locodiff/internal/ema"
	"locodiff/internal/env"
	"locodiff/internal/logutil"
	"locodiff/internal/model"
	"locodiff/internal/normalize"
	"locodiff/internal/optim"
	"locodiff/internal/policy"
	"locodiff/internal/stats"
	"locodiff/internal/storage"
)

var (
	ErrNoCheckpoint = errors.New("checkpoint not found")
	ErrNoData       = errors.New("runner needs a dataset")
)

type Options struct {
	Config config.Config
	// RunID names the run; a random id is generated when empty.
	RunID string
	Store storage.Store
	// Env enables closed-loop rollouts every sim_interval iterations.
	Env    env.VecEnv
	Logger *slog.Logger
	// OnIteration is called after every update.
	OnIteration func(iter, total int, loss float64)
}

type Runner struct {
	cfg   config.Config
	runID string

	train  *dataset.Loader
	test   *dataset.Loader
	policy *policy.Policy
	ema    *ema.Tracker

	env         env.VecEnv
	store       storage.Store
	log         *slog.Logger
	onIteration func(iter, total int, loss float64)

	// iteration counts completed updates; iters is the length of one Learn.
	iteration int
	iters     int
	losses    []model.LossPoint
	evals     []model.EvalPoint
}

// New builds a runner for training on ds.
func New(ds *dataset.Dataset, opts Options) (*Runner, error) {
	if ds == nil {
		return nil, ErrNoData
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	norm, err := ds.Normalizer(opts.Config.Dataset.Scaling)
	if err != nil {
		return nil, err
	}
	r, err := build(opts, norm)
	if err != nil {
		return nil, err
	}
	if err := r.AttachData(ds); err != nil {
		return nil, err
	}
	return r, nil
}

// Restore rebuilds the runner of a stored run from its checkpoint. ds is
// optional; without it Evaluate and Learn are unavailable.
func Restore(ctx context.Context, runID string, ds *dataset.Dataset, opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, errors.New("restore needs a store")
	}
	cp, ok, err := opts.Store.GetCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, runID)
	}
	cfg := config.Default()
	if len(cp.Config) > 0 {
		if err := json.Unmarshal(cp.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decode checkpoint config: %w", err)
		}
	}
	// The caller decides how the resumed run proceeds. Seed and NumIters stay
	// with the checkpoint: they fix the data split and the LR horizon.
	runtime := opts.Config.Runner
	runtime.Seed, runtime.NumIters = cfg.Runner.Seed, cfg.Runner.NumIters
	cfg.Runner = runtime
	cfg.Env = opts.Config.Env
	cfg.Log = opts.Config.Log
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	norm, err := normalize.FromState(cp.Normalizer)
	if err != nil {
		return nil, err
	}

	iters := opts.Config.Runner.NumIters
	opts.Config = cfg
	opts.RunID = runID
	r, err := build(opts, norm)
	if err != nil {
		return nil, err
	}
	if iters > 0 {
		r.iters = iters
	}
	if ds != nil {
		if err := r.AttachData(ds); err != nil {
			return nil, err
		}
	}
	if err := r.load(cp); err != nil {
		return nil, err
	}
	if losses, ok, err := opts.Store.GetLossHistory(ctx, runID); err != nil {
		return nil, err
	} else if ok {
		r.losses = losses
	}
	if evals, ok, err := opts.Store.GetEvalHistory(ctx, runID); err != nil {
		return nil, err
	} else if ok {
		r.evals = evals
	}
	return r, nil
}

func build(opts Options, norm *normalize.Normalizer) (*Runner, error) {
	cfg := opts.Config
	obsDim := norm.InputDim()
	actDim := norm.OutputDim() - obsDim
	numEnvs := cfg.Env.NumEnvs
	if opts.Env != nil {
		if opts.Env.ObsDim() != obsDim || opts.Env.ActDim() != actDim {
			return nil, fmt.Errorf("%w: env dims %d/%d, data dims %d/%d",
				policy.ErrConfig, opts.Env.ObsDim(), opts.Env.ActDim(), obsDim, actDim)
		}
		numEnvs = opts.Env.NumEnvs()
	}

	pc := policyConfig(cfg, obsDim, actDim, numEnvs)
	net, err := denoiser.NewMLP(denoiser.MLPConfig{
		Len:     pc.InputLen(),
		Dim:     pc.InputDim(),
		CondLen: pc.TCond,
		ObsDim:  obsDim,
		Hidden:  cfg.Model.Hidden,
	}, rand.New(rand.NewSource(cfg.Runner.Seed+4)))
	if err != nil {
		return nil, err
	}
	pol, err := policy.New(pc, net, norm)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:         cfg,
		runID:       opts.RunID,
		policy:      pol,
		env:         opts.Env,
		store:       opts.Store,
		log:         opts.Logger,
		onIteration: opts.OnIteration,
		iters:       cfg.Runner.NumIters,
	}
	if r.runID == "" {
		r.runID = uuid.New().String()
	}
	if r.log == nil {
		r.log = logutil.Discard()
	}
	r.log = r.log.With("run_id", r.runID)
	if cfg.EMA.Enabled {
		if r.ema, err = ema.New(pol.Params(), cfg.EMA.Decay); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func policyConfig(cfg config.Config, obsDim, actDim, numEnvs int) policy.Config {
	p := cfg.Policy
	return policy.Config{
		ObsDim:         obsDim,
		ActDim:         actDim,
		T:              p.T,
		TCond:          p.TCond,
		NumEnvs:        numEnvs,
		Sampler:        p.Sampler,
		Schedule:       p.Schedule,
		SamplingSteps:  p.SamplingSteps,
		SigmaData:      p.SigmaData,
		SigmaMin:       p.SigmaMin,
		SigmaMax:       p.SigmaMax,
		GuidanceWeight: p.CondLambda,
		CondMaskProb:   p.CondMaskProb,
		Optimizer: optim.AdamWConfig{
			LR:          p.LR,
			Beta1:       p.Betas[0],
			Beta2:       p.Betas[1],
			WeightDecay: p.WeightDecay,
			Eps:         optim.DefaultAdamWConfig().Eps,
		},
		NumIters:        cfg.Runner.NumIters,
		InpaintObs:      p.InpaintObs,
		InpaintFinalObs: p.InpaintFinalObs,
		ResamplingSteps: p.ResamplingSteps,
		JumpLength:      p.JumpLength,
		Seed:            cfg.Runner.Seed,
	}
}

// AttachData splits ds into train and validation episodes and builds their
// loaders. The dataset's dimensions must match the policy.
func (r *Runner) AttachData(ds *dataset.Dataset) error {
	pc := r.policy.Config()
	if ds.ObsDim() != pc.ObsDim || ds.ActDim() != pc.ActDim {
		return fmt.Errorf("%w: dataset dims %d/%d, policy dims %d/%d",
			policy.ErrConfig, ds.ObsDim(), ds.ActDim(), pc.ObsDim, pc.ActDim)
	}
	if ds.Config().TCond != pc.TCond || ds.Config().T != pc.T {
		return fmt.Errorf("%w: dataset window %d+%d, policy window %d+%d",
			policy.ErrConfig, ds.Config().TCond, ds.Config().T, pc.TCond, pc.T)
	}
	seed := r.cfg.Runner.Seed
	trainEps, valEps := ds.Split(rand.New(rand.NewSource(seed + 3)))

	trainSlicer, err := dataset.NewSlicer(ds, trainEps)
	if err != nil {
		return err
	}
	if trainSlicer.Len() == 0 {
		return fmt.Errorf("%w: no training windows", dataset.ErrEmpty)
	}
	dc := r.cfg.Dataset
	if r.train, err = dataset.NewLoader(trainSlicer, dc.BatchSize, true, dc.Workers, rand.New(rand.NewSource(seed+2))); err != nil {
		return err
	}
	valSlicer, err := dataset.NewSlicer(ds, valEps)
	if err != nil {
		return err
	}
	r.test = nil
	if valSlicer.Len() > 0 {
		if r.test, err = dataset.NewLoader(valSlicer, dc.BatchSize, false, dc.Workers, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) RunID() string             { return r.runID }
func (r *Runner) Iteration() int            { return r.iteration }
func (r *Runner) Policy() *policy.Policy    { return r.policy }
func (r *Runner) Config() config.Config     { return r.cfg }
func (r *Runner) Losses() []model.LossPoint { return append([]model.LossPoint(nil), r.losses...) }
func (r *Runner) Evals() []model.EvalPoint  { return append([]model.EvalPoint(nil), r.evals...) }

// withInference runs fn with EMA weights substituted when EMA is enabled.
// Live weights are restored when fn returns, panics included.
func (r *Runner) withInference(fn func() error) error {
	if r.ema == nil {
		return fn()
	}
	return r.ema.WithShadow(r.policy.Params(), fn)
}

type Result struct {
	RunID      string
	Iterations int
	FinalLoss  float64
	Summary    stats.RunSummary
	RunDir     string
}

// Learn runs num_iters iterations starting after the restored iteration.
func (r *Runner) Learn(ctx context.Context) (Result, error) {
	if r.train == nil {
		return Result{}, ErrNoData
	}
	start := r.iteration
	total := start + r.iters
	rc := r.cfg.Runner
	r.log.Info("training started", "start", start, "iters", r.iters, "params", r.policy.NumParams(),
		"batches_per_epoch", r.train.BatchesPerEpoch(), "sampler", r.cfg.Policy.Sampler)

	var lastLoss float64
	for it := start; it < total; it++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		began := time.Now()
		eval := model.EvalPoint{Iteration: it}
		recorded := false

		if r.env != nil && it%rc.SimInterval == 0 {
			rollout, err := r.Play(ctx, rc.SimSteps)
			if err != nil {
				return Result{}, fmt.Errorf("rollout at iteration %d: %w", it, err)
			}
			if rollout.Episodes > 0 {
				reward, length := rollout.MeanReward, rollout.MeanLength
				eval.MeanReward, eval.MeanLength = &reward, &length
				recorded = true
			}
			r.log.Info("rollout", "iter", it, "episodes", rollout.Episodes,
				"mean_reward", rollout.MeanReward, "mean_length", rollout.MeanLength)
		}
		if r.test != nil && it%rc.EvalInterval == 0 {
			testLoss, err := r.Evaluate(ctx)
			if err != nil {
				return Result{}, fmt.Errorf("evaluation at iteration %d: %w", it, err)
			}
			eval.TestLoss = &testLoss
			recorded = true
			r.log.Info("evaluation", "iter", it, "test_mse", testLoss)
		}
		if recorded {
			r.evals = append(r.evals, eval)
		}

		batch, err := r.train.Next(ctx)
		if err != nil {
			return Result{}, err
		}
		loss, err := r.policy.Update(batch)
		if err != nil {
			return Result{}, fmt.Errorf("update at iteration %d: %w", it, err)
		}
		if r.ema != nil {
			if err := r.ema.Update(r.policy.Params()); err != nil {
				return Result{}, err
			}
		}
		r.iteration = it + 1
		lastLoss = loss
		r.losses = append(r.losses, model.LossPoint{Iteration: it, Loss: loss, LR: r.policy.LR()})
		if r.onIteration != nil {
			r.onIteration(it, total, loss)
		}

		if it%rc.LogInterval == 0 {
			r.log.Info("train", "iter", it, "loss", loss, "lr", r.policy.LR(), "iter_time", time.Since(began))
		}
		if r.store != nil && it > start && it%rc.SimInterval == 0 {
			if err := r.Save(ctx); err != nil {
				return Result{}, err
			}
		}
	}

	if r.store != nil {
		if err := r.Save(ctx); err != nil {
			return Result{}, err
		}
	}
	res := Result{
		RunID:      r.runID,
		Iterations: total - start,
		FinalLoss:  lastLoss,
		Summary:    stats.Summarize(r.losses, r.evals),
	}
	if rc.ArtifactsDir != "" {
		dir, err := r.writeArtifacts(res.Summary)
		if err != nil {
			return Result{}, err
		}
		res.RunDir = dir
	}
	r.log.Info("training finished", "iters", res.Iterations, "final_loss", res.FinalLoss)
	return res, nil
}

// Evaluate returns the mean test loss over the validation windows using
// inference weights.
func (r *Runner) Evaluate(ctx context.Context) (float64, error) {
	if r.test == nil {
		return 0, fmt.Errorf("%w: no validation windows", ErrNoData)
	}
	batches, err := r.test.All(ctx)
	if err != nil {
		return 0, err
	}
	var sum float64
	err = r.withInference(func() error {
		for _, batch := range batches {
			loss, err := r.policy.Test(ctx, batch)
			if err != nil {
				return err
			}
			sum += loss
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sum / float64(len(batches)), nil
}

// Play rolls the policy out on the configured env using inference weights.
func (r *Runner) Play(ctx context.Context, steps int) (env.RolloutStats, error) {
	if r.env == nil {
		return env.RolloutStats{}, errors.New("runner has no environment")
	}
	if r.cfg.Policy.InpaintFinalObs {
		if err := r.policy.SetGoal(r.env.Goal()); err != nil {
			return env.RolloutStats{}, err
		}
	}
	var out env.RolloutStats
	err := r.withInference(func() error {
		var err error
		out, err = env.Rollout(ctx, r.env, r.policy.Controller(), steps)
		return err
	})
	return out, err
}

// Save writes the checkpoint and histories of the run. Stored parameters are
// the inference weights; the live weights travel with the EMA shadow so a
// resumed run continues from the same point.
func (r *Runner) Save(ctx context.Context) error {
	if r.store == nil {
		return errors.New("runner has no store")
	}
	st := r.policy.State()
	cfgJSON, err := json.Marshal(r.cfg)
	if err != nil {
		return err
	}
	cp := model.Checkpoint{
		RunID:     r.runID,
		Iteration: r.iteration,
		Optimizer: model.OptimizerState{
			LR:             st.Optimizer.LR,
			Step:           st.Optimizer.Step,
			M:              st.Optimizer.M,
			V:              st.Optimizer.V,
			SchedulerEpoch: st.SchedulerEpoch,
		},
		Normalizer: st.Normalizer,
		Config:     cfgJSON,
		Metadata: map[string]string{
			"sampler":  string(r.cfg.Policy.Sampler),
			"schedule": string(r.cfg.Policy.Schedule),
		},
		CreatedAtUTC: time.Now().UTC().Format(time.RFC3339),
	}
	storage.Stamp(&cp.VersionedRecord)
	params := r.policy.Params()
	if r.ema != nil {
		cp.Params = records(params, r.ema.Shadow())
		cp.EMA = records(params, st.Params)
		cp.Metadata["ema_decay"] = fmt.Sprint(r.ema.Decay())
	} else {
		cp.Params = records(params, st.Params)
	}

	if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	if err := r.store.SaveLossHistory(ctx, r.runID, r.losses); err != nil {
		return err
	}
	if err := r.store.SaveEvalHistory(ctx, r.runID, r.evals); err != nil {
		return err
	}
	r.log.Debug("checkpoint saved", "iter", r.iteration)
	return nil
}

// load applies cp. With EMA the stored Params become the shadow and the
// stored EMA records are the live weights.
func (r *Runner) load(cp model.Checkpoint) error {
	live, err := values(r.policy.Params(), cp.Params)
	if err != nil {
		return err
	}
	var shadow [][]float64
	if len(cp.EMA) > 0 {
		if shadow, err = values(r.policy.Params(), cp.EMA); err != nil {
			return err
		}
		live, shadow = shadow, live
	}
	if r.ema != nil && shadow != nil {
		// LoadState commits, so the shadow is checked first.
		if err := denoiser.CheckValues(r.policy.Params(), shadow); err != nil {
			return fmt.Errorf("%w: ema shadow: %v", policy.ErrState, err)
		}
	}
	st := policy.State{
		Params: live,
		Optimizer: optim.AdamWState{
			LR:   cp.Optimizer.LR,
			Step: cp.Optimizer.Step,
			M:    cp.Optimizer.M,
			V:    cp.Optimizer.V,
		},
		SchedulerEpoch: cp.Optimizer.SchedulerEpoch,
		Normalizer:     cp.Normalizer,
	}
	if err := r.policy.LoadState(st); err != nil {
		return err
	}
	if r.ema != nil {
		if shadow == nil {
			shadow = live
		}
		if err := r.ema.LoadShadow(shadow); err != nil {
			return err
		}
	}
	r.iteration = cp.Iteration
	return nil
}

func records(params []*denoiser.Param, vals [][]float64) []model.ParamRecord {
	out := make([]model.ParamRecord, len(params))
	for i, p := range params {
		out[i] = model.ParamRecord{Name: p.Name, Values: append([]float64(nil), vals[i]...)}
	}
	return out
}

// values orders recs by parameter name.
func values(params []*denoiser.Param, recs []model.ParamRecord) ([][]float64, error) {
	byName := make(map[string][]float64, len(recs))
	for _, rec := range recs {
		byName[rec.Name] = rec.Values
	}
	out := make([][]float64, len(params))
	for i, p := range params {
		v, ok := byName[p.Name]
		if !ok {
			return nil, fmt.Errorf("%w: checkpoint lacks parameter %q", policy.ErrState, p.Name)
		}
		out[i] = v
	}
	return out, nil
}

func (r *Runner) writeArtifacts(summary stats.RunSummary) (string, error) {
	dir, err := stats.WriteRunArtifacts(r.cfg.Runner.ArtifactsDir, stats.RunArtifacts{
		RunID:   r.runID,
		Config:  r.cfg,
		Losses:  r.losses,
		Evals:   r.evals,
		Summary: summary,
	})
	if err != nil {
		return "", err
	}
	entry := stats.RunIndexEntry{
		RunID:        r.runID,
		Sampler:      string(r.cfg.Policy.Sampler),
		Iterations:   r.iteration,
		Seed:         r.cfg.Runner.Seed,
		NumParams:    r.policy.NumParams(),
		FinalLoss:    summary.FinalLoss,
		BestTestLoss: summary.BestTestLoss,
		MeanReward:   summary.LastReward,
		CreatedAtUTC: time.Now().UTC().Format(time.RFC3339),
	}
	if err := stats.AppendRunIndex(r.cfg.Runner.ArtifactsDir, entry); err != nil {
		return "", err
	}
	return dir, nil
}

// DatasetConfig maps the run configuration onto the dataset's.
func DatasetConfig(cfg config.Config) dataset.Config {
	return dataset.Config{
		TCond:         cfg.Policy.TCond,
		T:             cfg.Policy.T,
		TrainFraction: cfg.Dataset.TrainFraction,
		StatsLimit:    cfg.Dataset.StatsLimit,
		UseRootPos:    cfg.Dataset.UseRootPos,
		PadTail:       cfg.Dataset.PadTail,
	}
}

// LoadDataset reads the archive named by cfg.Dataset.Path.
func LoadDataset(cfg config.Config) (*dataset.Dataset, error) {
	archive, err := dataset.LoadArchive(cfg.Dataset.Path)
	if err != nil {
		return nil, err
	}
	return dataset.New(archive, DatasetConfig(cfg))
}
