// Package env is the simulation boundary: a vectorised environment
// interface, an in-repo cart-pole task, an expert demonstrator and the
// closed-loop rollout used to score a policy.
package env

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrActionShape = errors.New("action shape mismatch")
	ErrUnknownMode = errors.New("unknown environment mode")
)

// VecEnv steps NumEnvs independent instances in lockstep. Instances that
// finish an episode are reset automatically; the returned observation is
// then the first of the new episode.
type VecEnv interface {
	NumEnvs() int
	ObsDim() int
	ActDim() int
	Reset() [][]float64
	Step(actions [][]float64) (obs [][]float64, rewards []float64, dones []bool, err error)
	// Goal is the observation the task tries to reach.
	Goal() []float64
}

// Controller chooses actions for every instance of a VecEnv.
type Controller interface {
	Act(ctx context.Context, obs [][]float64) ([][]float64, error)
	// Reset forgets per-instance state for the instances marked done.
	// dones must have one entry per instance.
	Reset(dones []bool) error
}

func checkActions(actions [][]float64, envs, dim int) error {
	if len(actions) != envs {
		return fmt.Errorf("%w: %d actions for %d envs", ErrActionShape, len(actions), envs)
	}
	for i, a := range actions {
		if len(a) != dim {
			return fmt.Errorf("%w: env %d action width %d, want %d", ErrActionShape, i, len(a), dim)
		}
	}
	return nil
}
