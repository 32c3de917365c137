package sampler

import (
	"context"
	"fmt"

	"locodiff/internal/schedule"
	"locodiff/internal/tensor"
)

// DDPM is ancestral sampling over a discrete schedule. The denoiser predicts
// the added noise and receives the timestep index as its noise level.
// Resampling jumps are not applied.
type DDPM struct{}

func (DDPM) Kind() Kind     { return KindDDPM }
func (DDPM) Discrete() bool { return true }

func (d DDPM) Sample(ctx context.Context, req Request) (*tensor.Seq, error) {
	target, mask, err := req.validate()
	if err != nil {
		return nil, err
	}
	sched, ok := req.Schedule.(*schedule.Discrete)
	if !ok {
		return nil, fmt.Errorf("%w: ddpm needs a discrete schedule, got %s", ErrSchedule, req.Schedule.Kind())
	}

	x := req.Noise.Clone()
	timesteps := make([]int, x.B)
	for _, t := range sched.Timesteps() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range timesteps {
			timesteps[i] = t
		}
		noisyTarget, err := sched.AddNoise(target, tensor.Randn(x.B, x.L, x.D, req.Rand), timesteps)
		if err != nil {
			return nil, err
		}
		if err := x.Blend(noisyTarget, mask); err != nil {
			return nil, err
		}
		eps, err := req.denoise(x, float64(t))
		if err != nil {
			return nil, fmt.Errorf("timestep %d: %w", t, err)
		}
		if x, err = sched.Step(eps, t, x, req.Rand); err != nil {
			return nil, fmt.Errorf("timestep %d: %w", t, err)
		}
	}

	if err := x.Blend(target, mask); err != nil {
		return nil, err
	}
	return x, nil
}
