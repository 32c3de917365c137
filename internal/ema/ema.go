// Package ema keeps an exponential moving average of model parameters and
// swaps it into the live parameters for evaluation.
package ema

import (
	"errors"
	"fmt"
	"sync"

	"locodiff/internal/denoiser"
)

var (
	ErrNotStored = errors.New("ema restore without a stored snapshot")
	ErrStored    = errors.New("ema snapshot already stored")
	ErrDecay     = errors.New("ema decay must be in [0, 1]")
)

// Tracker holds one shadow tensor per tracked parameter. The average is not
// bias-corrected.
type Tracker struct {
	mu     sync.Mutex
	decay  float64
	shadow [][]float64
	stored [][]float64
}

// New starts the shadow at the current parameter values.
func New(params []*denoiser.Param, decay float64) (*Tracker, error) {
	if decay < 0 || decay > 1 {
		return nil, fmt.Errorf("%w: %g", ErrDecay, decay)
	}
	return &Tracker{decay: decay, shadow: denoiser.Snapshot(params)}, nil
}

func (t *Tracker) Decay() float64 { return t.decay }

// Update moves every shadow value toward its live parameter:
// shadow = decay*shadow + (1-decay)*param.
func (t *Tracker) Update(params []*denoiser.Param) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := denoiser.CheckValues(params, t.shadow); err != nil {
		return err
	}
	for i, p := range params {
		s := t.shadow[i]
		for j, v := range p.Value {
			s[j] = t.decay*s[j] + (1-t.decay)*v
		}
	}
	return nil
}

// Store snapshots the live parameters so Restore can put them back.
func (t *Tracker) Store(params []*denoiser.Param) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store(params)
}

func (t *Tracker) store(params []*denoiser.Param) error {
	if t.stored != nil {
		return ErrStored
	}
	if err := denoiser.CheckValues(params, t.shadow); err != nil {
		return err
	}
	t.stored = denoiser.Snapshot(params)
	return nil
}

// CopyTo overwrites the live parameters with the shadow values.
func (t *Tracker) CopyTo(params []*denoiser.Param) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return denoiser.Load(params, t.shadow)
}

// Restore puts back the snapshot taken by Store and clears it.
func (t *Tracker) Restore(params []*denoiser.Param) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restore(params)
}

func (t *Tracker) restore(params []*denoiser.Param) error {
	if t.stored == nil {
		return ErrNotStored
	}
	if err := denoiser.Load(params, t.stored); err != nil {
		return err
	}
	t.stored = nil
	return nil
}

// WithShadow runs fn with the shadow values in params and restores the live
// values afterwards, even if fn fails or panics. The tracker is locked for
// the duration, so Update blocks until fn returns.
func (t *Tracker) WithShadow(params []*denoiser.Param, fn func() error) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store(params); err != nil {
		return err
	}
	defer func() {
		if restoreErr := t.restore(params); restoreErr != nil && err == nil {
			err = restoreErr
		}
	}()
	if err := denoiser.Load(params, t.shadow); err != nil {
		return err
	}
	return fn()
}

// Shadow returns a copy of the shadow values.
func (t *Tracker) Shadow() [][]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]float64, len(t.shadow))
	for i, s := range t.shadow {
		out[i] = append([]float64(nil), s...)
	}
	return out
}

// LoadShadow replaces the shadow values, for example from a checkpoint.
func (t *Tracker) LoadShadow(values [][]float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(values) != len(t.shadow) {
		return fmt.Errorf("%w: %d shadow tensors, have %d", denoiser.ErrShape, len(values), len(t.shadow))
	}
	for i := range values {
		if len(values[i]) != len(t.shadow[i]) {
			return fmt.Errorf("%w: shadow %d has %d values, want %d", denoiser.ErrShape, i, len(values[i]), len(t.shadow[i]))
		}
	}
	for i := range values {
		copy(t.shadow[i], values[i])
	}
	return nil
}
