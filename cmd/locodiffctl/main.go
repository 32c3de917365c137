package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"locodiff/internal/logutil"
	"locodiff/internal/storage"
	"locodiff/pkg/locodiff"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "generate":
		return runGenerate(ctx, args[1:])
	case "train":
		return runTrain(ctx, args[1:])
	case "eval":
		return runEval(ctx, args[1:])
	case "play":
		return runPlay(ctx, args[1:])
	case "checkpoints":
		return runCheckpoints(ctx, args[1:])
	case "losses":
		return runLosses(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// clientFlags are shared by every command that touches the store.
type clientFlags struct {
	storeKind    *string
	dbPath       *string
	artifactsDir *string
	logLevel     *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		storeKind:    fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:       fs.String("db-path", "locodiff.db", "sqlite database path"),
		artifactsDir: fs.String("artifacts-dir", "runs", "run artifacts directory"),
		logLevel:     fs.String("log-level", "info", "log level: debug|info|warn|error"),
	}
}

func (f clientFlags) open() (*locodiff.Client, error) {
	level, err := logutil.ParseLevel(*f.logLevel)
	if err != nil {
		return nil, err
	}
	return locodiff.New(locodiff.Options{
		StoreKind:    *f.storeKind,
		DBPath:       *f.dbPath,
		ArtifactsDir: *f.artifactsDir,
		Logger:       logutil.NewLogger(os.Stderr, level),
	})
}

func runGenerate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	out := fs.String("out", "demos.json", "output archive path")
	envs := fs.Int("envs", 8, "parallel environments")
	steps := fs.Int("steps", 1000, "steps per environment")
	seed := fs.Int64("seed", 1, "random seed")
	noise := fs.Float64("noise", 0.1, "expert action noise")
	mode := fs.String("mode", "train", "environment mode: train|validation|test")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := locodiff.New(locodiff.Options{StoreKind: "memory"})
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Generate(ctx, locodiff.GenerateRequest{
		Out:   *out,
		Envs:  *envs,
		Steps: *steps,
		Seed:  *seed,
		Noise: *noise,
		Mode:  *mode,
	})
	if err != nil {
		return err
	}
	fmt.Printf("generated path=%s envs=%d steps=%s episodes=%s\n",
		summary.Path, summary.Envs, humanize.Comma(int64(summary.Steps)), humanize.Comma(int64(summary.Episodes)))
	return nil
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	cf := addClientFlags(fs)
	configPath := fs.String("config", "", "optional YAML or JSON config file")
	dataPath := fs.String("data", "", "demonstration archive")
	runID := fs.String("run-id", "", "run id (generated when empty)")
	resume := fs.Bool("resume", false, "continue --run-id from its checkpoint")
	iters := fs.Int("iters", 0, "training iterations (overrides config)")
	sampler := fs.String("sampler", "", "sampler: ddpm|euler|euler_ancestral|heun|dpmpp_2m (overrides config)")
	schedule := fs.String("schedule", "", "noise schedule (overrides config)")
	seed := fs.Int64("seed", 0, "random seed (overrides config)")
	batchSize := fs.Int("batch-size", 0, "batch size (overrides config)")
	quiet := fs.Bool("quiet", false, "suppress the progress line")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	cfg, err := loadTrainConfig(*configPath, setFlags, trainOverrides{
		sampler:   *sampler,
		schedule:  *schedule,
		seed:      *seed,
		batchSize: *batchSize,
		logLevel:  *cf.logLevel,
	})
	if err != nil {
		return err
	}
	// Unset client flags fall back to the config file.
	if !setFlags["log-level"] {
		*cf.logLevel = cfg.Log.Level
	}
	if !setFlags["store"] && cfg.Runner.Store != "" {
		*cf.storeKind = cfg.Runner.Store
	}
	if !setFlags["db-path"] && cfg.Runner.DBPath != "" {
		*cf.dbPath = cfg.Runner.DBPath
	}
	if !setFlags["artifacts-dir"] && cfg.Runner.ArtifactsDir != "" {
		*cf.artifactsDir = cfg.Runner.ArtifactsDir
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer client.Close()

	var prog *progress
	if !*quiet {
		prog = newProgress(os.Stdout)
	}
	req := locodiff.TrainRequest{
		Config:   cfg,
		DataPath: *dataPath,
		RunID:    *runID,
		Resume:   *resume,
		Iters:    *iters,
	}
	if prog != nil {
		req.OnIteration = prog.update
	}
	summary, err := client.Train(ctx, req)
	if prog != nil {
		prog.finish()
	}
	if err != nil {
		return err
	}

	fmt.Printf("run_id=%s iterations=%s final_loss=%.6f tail_loss=%.6f",
		summary.RunID, humanize.Comma(int64(summary.Iterations)), summary.FinalLoss, summary.Summary.TailLoss)
	if summary.Summary.BestTestLoss != nil {
		fmt.Printf(" best_test_loss=%.6f", *summary.Summary.BestTestLoss)
	}
	if summary.Summary.LastReward != nil {
		fmt.Printf(" mean_reward=%.4f", *summary.Summary.LastReward)
	}
	fmt.Println()
	if summary.ArtifactsDir != "" {
		fmt.Printf("artifacts=%s\n", summary.ArtifactsDir)
	}
	return nil
}

func runEval(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	cf := addClientFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "evaluate the most recent run from run index")
	dataPath := fs.String("data", "", "demonstration archive (defaults to the run's dataset)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Eval(ctx, locodiff.EvalRequest{RunID: *runID, Latest: *latest, DataPath: *dataPath})
	if err != nil {
		return err
	}
	fmt.Printf("run_id=%s iteration=%s test_loss=%.6f\n", summary.RunID, humanize.Comma(int64(summary.Iteration)), summary.TestLoss)
	return nil
}

func runPlay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("play", flag.ContinueOnError)
	cf := addClientFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "play the most recent run from run index")
	steps := fs.Int("steps", 500, "rollout steps")
	envs := fs.Int("envs", 8, "parallel environments")
	mode := fs.String("mode", "test", "environment mode: train|validation|test")
	seed := fs.Int64("seed", 1, "environment seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps <= 0 {
		return errors.New("steps must be > 0")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Play(ctx, locodiff.PlayRequest{
		RunID:  *runID,
		Latest: *latest,
		Steps:  *steps,
		Envs:   *envs,
		Mode:   *mode,
		Seed:   *seed,
	})
	if err != nil {
		return err
	}
	fmt.Printf("run_id=%s steps=%s episodes=%s mean_reward=%.4f mean_length=%.1f mean_step_reward=%.4f\n",
		summary.RunID,
		humanize.Comma(int64(summary.Steps)),
		humanize.Comma(int64(summary.Episodes)),
		summary.MeanReward,
		summary.MeanLength,
		summary.MeanStepReward,
	)
	return nil
}

func runCheckpoints(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	cf := addClientFlags(fs)
	jsonOut := fs.Bool("json", false, "emit checkpoints as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer client.Close()

	items, err := client.Checkpoints(ctx)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("no checkpoints found")
		return nil
	}
	for _, c := range items {
		fmt.Printf("run_id=%s iteration=%s params=%s created_at=%s\n",
			c.RunID, humanize.Comma(int64(c.Iteration)), humanize.Comma(int64(c.NumParams)), c.CreatedAtUTC)
	}
	return nil
}

func runLosses(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("losses", flag.ContinueOnError)
	cf := addClientFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show the most recent run from run index")
	limit := fs.Int("limit", 20, "newest points to show (0 for all)")
	jsonOut := fs.Bool("json", false, "emit loss history as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit < 0 {
		return errors.New("limit must be >= 0")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer client.Close()

	history, err := client.Losses(ctx, locodiff.LossesRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(history)
	}
	for _, p := range history {
		fmt.Printf("iteration=%d loss=%.6f lr=%.3e\n", p.Iteration, p.Loss, p.LR)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	cf := addClientFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer client.Close()

	items, err := client.Runs(ctx, locodiff.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, e := range items {
		bestTest, reward := "n/a", "n/a"
		if e.BestTestLoss != nil {
			bestTest = fmt.Sprintf("%.6f", *e.BestTestLoss)
		}
		if e.MeanReward != nil {
			reward = fmt.Sprintf("%.4f", *e.MeanReward)
		}
		fmt.Printf("run_id=%s created_at=%s sampler=%s seed=%d iterations=%s params=%s final_loss=%.6f best_test_loss=%s mean_reward=%s\n",
			e.RunID,
			e.CreatedAtUTC,
			e.Sampler,
			e.Seed,
			humanize.Comma(int64(e.Iterations)),
			humanize.Comma(int64(e.NumParams)),
			e.FinalLoss,
			bestTest,
			reward,
		)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	cf := addClientFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", "exports", "output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Export(ctx, locodiff.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s dir=%s\n", summary.RunID, summary.Directory)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: locodiffctl <generate|train|eval|play|checkpoints|losses|runs|export> [flags]", msg)
}
