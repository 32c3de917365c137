package policy

import (
	"fmt"

	"locodiff/internal/denoiser"
	"locodiff/internal/normalize"
	"locodiff/internal/optim"
)

// State is the checkpointed part of a policy.
type State struct {
	Params         [][]float64
	Optimizer      optim.AdamWState
	SchedulerEpoch int
	Normalizer     normalize.State
}

func (p *Policy) State() State {
	return State{
		Params:         denoiser.Snapshot(p.Params()),
		Optimizer:      p.opt.State(),
		SchedulerEpoch: p.lr.Epoch(),
		Normalizer:     p.norm.State(),
	}
}

// LoadState restores s. Every part is validated first, so a failed load
// leaves the policy untouched.
func (p *Policy) LoadState(s State) error {
	params := p.Params()
	if err := denoiser.CheckValues(params, s.Params); err != nil {
		return fmt.Errorf("%w: parameters: %v", ErrState, err)
	}
	if err := p.opt.CheckState(s.Optimizer); err != nil {
		return fmt.Errorf("%w: %v", ErrState, err)
	}
	if s.SchedulerEpoch < 0 {
		return fmt.Errorf("%w: negative scheduler epoch %d", ErrState, s.SchedulerEpoch)
	}
	norm, err := normalize.FromState(s.Normalizer)
	if err != nil {
		return fmt.Errorf("%w: normalizer: %v", ErrState, err)
	}
	if err := checkNormalizer(p.cfg, norm); err != nil {
		return fmt.Errorf("%w: %v", ErrState, err)
	}

	if err := denoiser.Load(params, s.Params); err != nil {
		return err
	}
	if err := p.opt.LoadState(s.Optimizer); err != nil {
		return err
	}
	p.lr.SetEpoch(s.SchedulerEpoch)
	// The stored learning rate wins over the closed form.
	p.opt.SetLR(s.Optimizer.LR)
	p.norm = norm
	return nil
}
