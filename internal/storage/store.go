package storage

import (
	"context"

	"locodiff/internal/model"
)

// Store persists checkpoints and training histories keyed by run id. A run
// keeps only its latest checkpoint.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error
	GetCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error)
	ListCheckpoints(ctx context.Context) ([]model.CheckpointSummary, error)
	SaveLossHistory(ctx context.Context, runID string, history []model.LossPoint) error
	GetLossHistory(ctx context.Context, runID string) ([]model.LossPoint, bool, error)
	SaveEvalHistory(ctx context.Context, runID string, history []model.EvalPoint) error
	GetEvalHistory(ctx context.Context, runID string) ([]model.EvalPoint, bool, error)
}
