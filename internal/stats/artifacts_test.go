package stats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"locodiff/internal/config"
	"locodiff/internal/model"
)

func floatPtr(v float64) *float64 { return &v }

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	cfg := config.Default()
	cfg.Policy.T = 6
	losses := []model.LossPoint{{Iteration: 0, Loss: 1.5, LR: 1e-4}, {Iteration: 1, Loss: 0.75, LR: 9e-5}}
	evals := []model.EvalPoint{{Iteration: 0, TestLoss: floatPtr(0.4)}}
	artifacts := RunArtifacts{
		RunID:   "run-123",
		Config:  cfg,
		Losses:  losses,
		Evals:   evals,
		Summary: Summarize(losses, evals),
	}

	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	for _, file := range []string{configFile, lossHistoryFile, evalHistoryFile, summaryFile} {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	gotCfg, ok, err := ReadRunConfig(baseDir, "run-123")
	if err != nil || !ok {
		t.Fatalf("read config: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(cfg, gotCfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	gotLosses, ok, err := ReadLossHistory(baseDir, "run-123")
	if err != nil || !ok {
		t.Fatalf("read losses: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(losses, gotLosses); diff != "" {
		t.Fatalf("loss history mismatch (-want +got):\n%s", diff)
	}
	gotEvals, ok, err := ReadEvalHistory(baseDir, "run-123")
	if err != nil || !ok {
		t.Fatalf("read evals: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(evals, gotEvals); diff != "" {
		t.Fatalf("eval history mismatch (-want +got):\n%s", diff)
	}

	exportedDir, err := ExportRunArtifacts(baseDir, "run-123", outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range []string{configFile, lossHistoryFile, evalHistoryFile, summaryFile} {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	if _, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{}); err == nil {
		t.Fatal("expected missing run id error")
	}
}

func TestReadMissingRun(t *testing.T) {
	baseDir := t.TempDir()
	if _, ok, err := ReadRunConfig(baseDir, "nope"); err != nil || ok {
		t.Fatalf("expected missing config, ok=%v err=%v", ok, err)
	}
	if _, ok, err := ReadLossHistory(baseDir, "nope"); err != nil || ok {
		t.Fatalf("expected missing losses, ok=%v err=%v", ok, err)
	}
	if _, ok, err := ReadEvalHistory(baseDir, "nope"); err != nil || ok {
		t.Fatalf("expected missing evals, ok=%v err=%v", ok, err)
	}
}

func TestRunIndexOrdersNewestFirstAndReplaces(t *testing.T) {
	baseDir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z"},
		{RunID: "b", CreatedAtUTC: "2026-01-02T00:00:00Z"},
		{RunID: "c", CreatedAtUTC: "2026-01-01T00:00:00Z"},
	}
	for _, e := range entries {
		if err := AppendRunIndex(baseDir, e); err != nil {
			t.Fatalf("append %s: %v", e.RunID, err)
		}
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "a", FinalLoss: 0.5, CreatedAtUTC: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("replace a: %v", err)
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var order []string
	for _, e := range index {
		order = append(order, e.RunID)
	}
	if diff := cmp.Diff([]string{"b", "c", "a"}, order); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	if index[2].FinalLoss != 0.5 {
		t.Fatalf("entry a was not replaced: %+v", index[2])
	}
}

func TestSummarize(t *testing.T) {
	var losses []model.LossPoint
	for i := 0; i < 20; i++ {
		losses = append(losses, model.LossPoint{Iteration: i, Loss: float64(20 - i)})
	}
	evals := []model.EvalPoint{
		{Iteration: 0, TestLoss: floatPtr(3)},
		{Iteration: 10, TestLoss: floatPtr(1), MeanReward: floatPtr(40)},
		{Iteration: 19, TestLoss: floatPtr(2), MeanReward: floatPtr(45)},
	}
	s := Summarize(losses, evals)
	if s.Iterations != 20 || s.FinalLoss != 1 || s.MinLoss != 1 {
		t.Fatalf("unexpected loss summary %+v", s)
	}
	// Mean of 10..1.
	if s.TailLoss != 5.5 {
		t.Fatalf("tail loss %v, want 5.5", s.TailLoss)
	}
	if s.BestTestLoss == nil || *s.BestTestLoss != 1 {
		t.Fatalf("best test loss %v", s.BestTestLoss)
	}
	if s.LastReward == nil || *s.LastReward != 45 {
		t.Fatalf("last reward %v", s.LastReward)
	}

	empty := Summarize(nil, nil)
	if empty.BestTestLoss != nil || empty.Iterations != 0 {
		t.Fatalf("unexpected empty summary %+v", empty)
	}
}
