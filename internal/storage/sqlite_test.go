//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"locodiff/internal/model"
)

func TestSQLiteStoreCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "locodiff.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if err := store.SaveCheckpoint(ctx, sampleCheckpoint("run-1", 3)); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, sampleCheckpoint("run-1", 7)); err != nil {
		t.Fatalf("overwrite checkpoint: %v", err)
	}

	loaded, ok, err := store.GetCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if !ok || loaded.Iteration != 7 {
		t.Fatalf("expected latest checkpoint, ok=%v iteration=%d", ok, loaded.Iteration)
	}

	list, err := store.ListCheckpoints(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].NumParams != 3 {
		t.Fatalf("unexpected listing: %+v", list)
	}

	if _, ok, err := store.GetCheckpoint(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing checkpoint, ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStoreHistoriesPersistAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "locodiff.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	losses := []model.LossPoint{{Iteration: 1, Loss: 1.5}}
	if err := store.SaveLossHistory(ctx, "run-1", losses); err != nil {
		t.Fatalf("save losses: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := NewSQLiteStore(dbPath)
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() {
		_ = reopened.Close()
	})
	got, ok, err := reopened.GetLossHistory(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get losses: ok=%v err=%v", ok, err)
	}
	if len(got) != 1 || got[0].Loss != 1.5 {
		t.Fatalf("unexpected losses: %+v", got)
	}
	if _, ok, err := reopened.GetEvalHistory(ctx, "run-1"); err != nil || ok {
		t.Fatalf("expected no eval history, ok=%v err=%v", ok, err)
	}
}
