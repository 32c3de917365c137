package model

import (
	"encoding/json"

	"locodiff/internal/normalize"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type ParamRecord struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

type OptimizerState struct {
	LR             float64     `json:"lr"`
	Step           int         `json:"step"`
	M              [][]float64 `json:"m"`
	V              [][]float64 `json:"v"`
	SchedulerEpoch int         `json:"scheduler_epoch"`
}

// Checkpoint is everything needed to resume training or run inference.
// Params, Optimizer, Normalizer and Iteration are restored together.
type Checkpoint struct {
	VersionedRecord
	RunID      string            `json:"run_id"`
	Iteration  int               `json:"iteration"`
	Params     []ParamRecord     `json:"params"`
	EMA        []ParamRecord     `json:"ema,omitempty"`
	Optimizer  OptimizerState    `json:"optimizer"`
	Normalizer normalize.State   `json:"normalizer"`
	Config     json.RawMessage   `json:"config,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	// CreatedAtUTC is RFC3339.
	CreatedAtUTC string `json:"created_at_utc"`
}

// CheckpointSummary is the listing view of a stored checkpoint.
type CheckpointSummary struct {
	RunID        string `json:"run_id"`
	Iteration    int    `json:"iteration"`
	NumParams    int    `json:"num_params"`
	CreatedAtUTC string `json:"created_at_utc"`
}

func (c Checkpoint) Summary() CheckpointSummary {
	n := 0
	for _, p := range c.Params {
		n += len(p.Values)
	}
	return CheckpointSummary{RunID: c.RunID, Iteration: c.Iteration, NumParams: n, CreatedAtUTC: c.CreatedAtUTC}
}

type LossPoint struct {
	Iteration int     `json:"iteration"`
	Loss      float64 `json:"loss"`
	LR        float64 `json:"lr"`
}

type EvalPoint struct {
	Iteration  int      `json:"iteration"`
	TestLoss   *float64 `json:"test_loss,omitempty"`
	MeanReward *float64 `json:"mean_reward,omitempty"`
	MeanLength *float64 `json:"mean_length,omitempty"`
}
