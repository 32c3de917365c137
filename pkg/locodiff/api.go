// Package locodiff is the public entry point: it generates demonstrations,
// trains diffusion policies on them and evaluates stored checkpoints.
package locodiff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"locodiff/internal/config"
	"locodiff/internal/dataset"
	"locodiff/internal/env"
	"locodiff/internal/logutil"
	"locodiff/internal/model"
	"locodiff/internal/runner"
	"locodiff/internal/stats"
	"locodiff/internal/storage"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "locodiff.db"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *slog.Logger
}

type Client struct {
	store       storage.Store
	initialized bool
	log         *slog.Logger

	storeKind    string
	dbPath       string
	artifactsDir string
	exportsDir   string
}

type GenerateRequest struct {
	Out   string
	Envs  int
	Steps int
	Seed  int64
	// Noise is the standard deviation added to the expert's force.
	Noise float64
	Mode  string
}

type GenerateSummary struct {
	Path     string
	Envs     int
	Steps    int
	Episodes int
}

type TrainRequest struct {
	Config config.Config
	// DataPath overrides Config.Dataset.Path.
	DataPath string
	RunID    string
	// Resume continues RunID from its stored checkpoint.
	Resume bool
	// Iters overrides Config.Runner.NumIters when > 0.
	Iters       int
	OnIteration func(iter, total int, loss float64)
}

type TrainSummary struct {
	RunID        string
	Iterations   int
	FinalLoss    float64
	ArtifactsDir string
	Summary      stats.RunSummary
}

type EvalRequest struct {
	RunID    string
	Latest   bool
	DataPath string
}

type EvalSummary struct {
	RunID     string
	Iteration int
	TestLoss  float64
}

type PlayRequest struct {
	RunID  string
	Latest bool
	Steps  int
	Envs   int
	Mode   string
	Seed   int64
}

type PlaySummary struct {
	RunID string
	env.RolloutStats
}

type LossesRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Sampler      string
	Seed         int64
	Iterations   int
	NumParams    int
	FinalLoss    float64
	BestTestLoss *float64
	MeanReward   *float64
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = logutil.Discard()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		log:          logger,
		storeKind:    storeKind,
		dbPath:       dbPath,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Generate records expert demonstrations on the cart-pole env and writes
// them as an archive.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateSummary, error) {
	if req.Out == "" {
		return GenerateSummary{}, errors.New("generate requires an output path")
	}
	if req.Envs <= 0 {
		req.Envs = 8
	}
	if req.Steps <= 0 {
		req.Steps = 1000
	}
	if req.Mode == "" {
		req.Mode = "train"
	}
	if req.Noise < 0 {
		return GenerateSummary{}, errors.New("expert noise must be >= 0")
	}

	vec, err := env.NewCartPole(req.Envs, req.Mode, req.Seed)
	if err != nil {
		return GenerateSummary{}, err
	}
	archive, err := env.Record(ctx, vec, env.NewExpert(req.Noise, req.Seed+1), req.Steps)
	if err != nil {
		return GenerateSummary{}, err
	}
	if err := archive.Save(req.Out); err != nil {
		return GenerateSummary{}, err
	}
	episodes, err := countEpisodes(archive)
	if err != nil {
		return GenerateSummary{}, err
	}
	c.log.Info("demonstrations recorded", "path", req.Out, "envs", req.Envs, "steps", req.Steps, "episodes", episodes)
	return GenerateSummary{Path: filepath.Clean(req.Out), Envs: req.Envs, Steps: req.Steps, Episodes: episodes}, nil
}

func countEpisodes(a *dataset.Archive) (int, error) {
	first, err := a.Get(dataset.KeyFirstSteps)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, v := range first.Data {
		if v != 0 {
			n++
		}
	}
	return n, nil
}

func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	if err := c.Init(ctx); err != nil {
		return TrainSummary{}, err
	}
	cfg := req.Config
	if req.DataPath != "" {
		cfg.Dataset.Path = req.DataPath
	}
	if req.Iters > 0 {
		cfg.Runner.NumIters = req.Iters
	}
	if cfg.Dataset.Path == "" {
		return TrainSummary{}, errors.New("train requires a dataset path")
	}
	if req.Resume && req.RunID == "" {
		return TrainSummary{}, errors.New("resume requires a run id")
	}
	cfg.Runner.ArtifactsDir = c.artifactsDir
	cfg.Runner.Store, cfg.Runner.DBPath = c.storeKind, c.dbPath

	ds, err := runner.LoadDataset(cfg)
	if err != nil {
		return TrainSummary{}, fmt.Errorf("load dataset: %w", err)
	}
	opts := runner.Options{
		Config:      cfg,
		RunID:       req.RunID,
		Store:       c.store,
		Env:         c.rolloutEnv(cfg, ds.ObsDim(), ds.ActDim()),
		Logger:      c.log,
		OnIteration: req.OnIteration,
	}

	var r *runner.Runner
	if req.Resume {
		r, err = runner.Restore(ctx, req.RunID, ds, opts)
	} else {
		r, err = runner.New(ds, opts)
	}
	if err != nil {
		return TrainSummary{}, err
	}
	res, err := r.Learn(ctx)
	if err != nil {
		return TrainSummary{}, err
	}
	return TrainSummary{
		RunID:        res.RunID,
		Iterations:   res.Iterations,
		FinalLoss:    res.FinalLoss,
		ArtifactsDir: res.RunDir,
		Summary:      res.Summary,
	}, nil
}

// rolloutEnv returns the cart-pole env when the data matches its dimensions.
// Other datasets train without closed-loop rollouts.
func (c *Client) rolloutEnv(cfg config.Config, obsDim, actDim int) env.VecEnv {
	vec, err := env.NewCartPole(cfg.Env.NumEnvs, cfg.Env.Mode, cfg.Runner.Seed+5)
	if err != nil {
		c.log.Warn("rollouts disabled", "err", err)
		return nil
	}
	if vec.ObsDim() != obsDim || vec.ActDim() != actDim {
		c.log.Warn("rollouts disabled: dataset does not match the cart-pole env", "obs_dim", obsDim, "act_dim", actDim)
		return nil
	}
	return vec
}

// Eval computes the test loss of a stored checkpoint over the validation
// split of its dataset.
func (c *Client) Eval(ctx context.Context, req EvalRequest) (EvalSummary, error) {
	if err := c.Init(ctx); err != nil {
		return EvalSummary{}, err
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "eval")
	if err != nil {
		return EvalSummary{}, err
	}
	r, err := runner.Restore(ctx, runID, nil, runner.Options{Config: c.runtimeConfig(), Store: c.store, Logger: c.log})
	if err != nil {
		return EvalSummary{}, err
	}
	cfg := r.Config()
	if req.DataPath != "" {
		cfg.Dataset.Path = req.DataPath
	}
	ds, err := runner.LoadDataset(cfg)
	if err != nil {
		return EvalSummary{}, fmt.Errorf("load dataset: %w", err)
	}
	if err := r.AttachData(ds); err != nil {
		return EvalSummary{}, err
	}
	loss, err := r.Evaluate(ctx)
	if err != nil {
		return EvalSummary{}, err
	}
	return EvalSummary{RunID: runID, Iteration: r.Iteration(), TestLoss: loss}, nil
}

// Play rolls a stored checkpoint out on the cart-pole env.
func (c *Client) Play(ctx context.Context, req PlayRequest) (PlaySummary, error) {
	if err := c.Init(ctx); err != nil {
		return PlaySummary{}, err
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "play")
	if err != nil {
		return PlaySummary{}, err
	}
	if req.Steps <= 0 {
		req.Steps = 500
	}
	if req.Envs <= 0 {
		req.Envs = 8
	}
	if req.Mode == "" {
		req.Mode = "test"
	}
	vec, err := env.NewCartPole(req.Envs, req.Mode, req.Seed)
	if err != nil {
		return PlaySummary{}, err
	}
	cfg := c.runtimeConfig()
	cfg.Env = config.EnvConfig{NumEnvs: req.Envs, Mode: req.Mode}
	r, err := runner.Restore(ctx, runID, nil, runner.Options{Config: cfg, Store: c.store, Env: vec, Logger: c.log})
	if err != nil {
		return PlaySummary{}, err
	}
	out, err := r.Play(ctx, req.Steps)
	if err != nil {
		return PlaySummary{}, err
	}
	return PlaySummary{RunID: runID, RolloutStats: out}, nil
}

func (c *Client) runtimeConfig() config.Config {
	cfg := config.Default()
	cfg.Runner.ArtifactsDir = c.artifactsDir
	cfg.Runner.Store, cfg.Runner.DBPath = c.storeKind, c.dbPath
	return cfg
}

func (c *Client) Checkpoints(ctx context.Context) ([]model.CheckpointSummary, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c.store.ListCheckpoints(ctx)
}

// Losses returns the newest Limit points of a run's loss history.
func (c *Client) Losses(ctx context.Context, req LossesRequest) ([]model.LossPoint, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "losses")
	if err != nil {
		return nil, err
	}
	history, ok, err := c.store.GetLossHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		history, ok, err = stats.ReadLossHistory(c.artifactsDir, runID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("loss history not found for run %s", runID)
		}
	}
	if req.Limit > 0 && len(history) > req.Limit {
		history = history[len(history)-req.Limit:]
	}
	return history, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			CreatedAtUTC: e.CreatedAtUTC,
			Sampler:      e.Sampler,
			Seed:         e.Seed,
			Iterations:   e.Iterations,
			NumParams:    e.NumParams,
			FinalLoss:    e.FinalLoss,
			BestTestLoss: e.BestTestLoss,
			MeanReward:   e.MeanReward,
		})
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "export")
	if err != nil {
		return ExportSummary{}, err
	}
	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) resolveRunID(runID string, latest bool, op string) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID != "" {
		return runID, nil
	}
	if !latest {
		return "", fmt.Errorf("%s requires run id or latest", op)
	}
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no runs available to %s", op)
	}
	return entries[0].RunID, nil
}
