package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"locodiff/internal/model"
)

var ErrNotInitialized = errors.New("store is not initialized")

// MemoryStore keeps encoded payloads so that callers mutating a saved
// checkpoint never alter the stored copy.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[string][]byte
	losses      map[string][]byte
	evals       map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.checkpoints = make(map[string][]byte)
	s.losses = make(map[string][]byte)
	s.evals = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint model.Checkpoint) error {
	if checkpoint.RunID == "" {
		return errors.New("checkpoint run id is required")
	}
	payload, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.checkpoints[checkpoint.RunID] = payload
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, runID string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	payload, ok := s.checkpoints[runID]
	s.mu.RUnlock()
	if !ok {
		return model.Checkpoint{}, false, nil
	}

	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return checkpoint, true, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context) ([]model.CheckpointSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.CheckpointSummary, 0, len(s.checkpoints))
	for runID, payload := range s.checkpoints {
		checkpoint, err := DecodeCheckpoint(payload)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", runID, err)
		}
		out = append(out, checkpoint.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

func (s *MemoryStore) SaveLossHistory(_ context.Context, runID string, history []model.LossPoint) error {
	payload, err := EncodeLossHistory(history)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.losses[runID] = payload
	return nil
}

func (s *MemoryStore) GetLossHistory(_ context.Context, runID string) ([]model.LossPoint, bool, error) {
	s.mu.RLock()
	payload, ok := s.losses[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	history, err := DecodeLossHistory(payload)
	if err != nil {
		return nil, false, err
	}
	return history, true, nil
}

func (s *MemoryStore) SaveEvalHistory(_ context.Context, runID string, history []model.EvalPoint) error {
	payload, err := EncodeEvalHistory(history)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.evals[runID] = payload
	return nil
}

func (s *MemoryStore) GetEvalHistory(_ context.Context, runID string) ([]model.EvalPoint, bool, error) {
	s.mu.RLock()
	payload, ok := s.evals[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	history, err := DecodeEvalHistory(payload)
	if err != nil {
		return nil, false, err
	}
	return history, true, nil
}
