package policy

import (
	"fmt"

	"locodiff/internal/dataset"
	"locodiff/internal/tensor"
)

// Processed is a batch in model space. Obs is the normalised observation
// history and RawObs the same history in data space, both [B, T_cond,
// obs_dim]. Input and Weights are nil at inference.
type Processed struct {
	Obs     *tensor.Seq
	RawObs  *tensor.Seq
	Input   *tensor.Seq
	Weights *tensor.Seq
}

// Process normalises batch. Without actions the batch is one observation per
// environment, which is pushed into the history buffer; the whole buffer
// becomes the conditioning window. With actions the batch is a dataset
// window and the generated slice of it becomes the model input.
func (p *Policy) Process(batch *dataset.Batch) (Processed, error) {
	if batch == nil || batch.Obs == nil {
		return Processed{}, fmt.Errorf("%w: batch needs observations", ErrShape)
	}
	if batch.Obs.D != p.cfg.ObsDim {
		return Processed{}, fmt.Errorf("%w: observation width %d, want %d", ErrShape, batch.Obs.D, p.cfg.ObsDim)
	}

	var (
		pr  Processed
		err error
	)
	if batch.Action == nil {
		if p.cfg.InpaintFinalObs && p.goal == nil {
			return Processed{}, ErrGoalRequired
		}
		if err := p.observe(batch.Obs); err != nil {
			return Processed{}, err
		}
		pr.RawObs = p.history.Clone()
	} else {
		if pr, err = p.processWindow(batch); err != nil {
			return Processed{}, err
		}
	}
	if pr.Obs, err = p.norm.ScaleInput(pr.RawObs); err != nil {
		return Processed{}, err
	}
	return pr, nil
}

func (p *Policy) processWindow(batch *dataset.Batch) (Processed, error) {
	window := p.cfg.TCond + p.cfg.T - 1
	obs, act := batch.Obs, batch.Action
	if obs.L != window || act.B != obs.B || act.L != window || act.D != p.cfg.ActDim {
		return Processed{}, fmt.Errorf("%w: window obs %v action %v, want length %d and action width %d",
			ErrShape, obs.Shape(), act.Shape(), window, p.cfg.ActDim)
	}
	if batch.Mask != nil && (batch.Mask.B != obs.B || batch.Mask.L != window || batch.Mask.D != 1) {
		return Processed{}, fmt.Errorf("%w: mask %v", ErrShape, batch.Mask.Shape())
	}

	from, to := 0, window
	if !p.cfg.InpaintObs {
		from, to = p.cfg.TCond-1, window
	}
	inObs, err := obs.SliceTime(from, to)
	if err != nil {
		return Processed{}, err
	}
	inAct, err := act.SliceTime(from, to)
	if err != nil {
		return Processed{}, err
	}
	joined, err := tensor.ConcatDim(inAct, inObs)
	if err != nil {
		return Processed{}, err
	}

	var pr Processed
	if pr.Input, err = p.norm.ScaleOutput(joined); err != nil {
		return Processed{}, err
	}
	if pr.RawObs, err = obs.SliceTime(0, p.cfg.TCond); err != nil {
		return Processed{}, err
	}
	if batch.Mask != nil {
		pr.Weights = tensor.Like(pr.Input)
		for b := 0; b < pr.Input.B; b++ {
			for l := 0; l < pr.Input.L; l++ {
				v := batch.Mask.At(b, from+l, 0)
				row := pr.Weights.Row(b, l)
				for d := range row {
					row[d] = v
				}
			}
		}
	}
	return pr, nil
}

// observe shifts the history buffer by one step and appends obs [envs, 1+,
// obs_dim]; only the last step of obs is used.
func (p *Policy) observe(obs *tensor.Seq) error {
	if obs.B != p.cfg.NumEnvs || obs.L < 1 {
		return fmt.Errorf("%w: observation batch %v for %d envs", ErrShape, obs.Shape(), p.cfg.NumEnvs)
	}
	for b := 0; b < p.cfg.NumEnvs; b++ {
		for l := 0; l < p.cfg.TCond-1; l++ {
			copy(p.history.Row(b, l), p.history.Row(b, l+1))
		}
		copy(p.history.Row(b, p.cfg.TCond-1), obs.Row(b, obs.L-1))
	}
	return nil
}

// inpainting builds the target and mask pinning the observation history
// and, if enabled, the final observation. Targets are in output space.
func (p *Policy) inpainting(pr Processed) (target, mask *tensor.Seq, err error) {
	batch, length, act := pr.Obs.B, p.cfg.InputLen(), p.cfg.ActDim
	target = tensor.New(batch, length, p.cfg.InputDim())
	mask = tensor.Like(target)

	if p.cfg.InpaintObs {
		for b := 0; b < batch; b++ {
			for l := 0; l < p.cfg.TCond; l++ {
				v, err := p.norm.ScaleOutputRange(pr.RawObs.Row(b, l), act)
				if err != nil {
					return nil, nil, err
				}
				copy(target.Row(b, l)[act:], v)
				fillFrom(mask.Row(b, l), act, 1)
			}
		}
	}

	if p.cfg.InpaintFinalObs {
		var goal []float64
		if pr.Input == nil {
			if p.goal == nil {
				return nil, nil, ErrGoalRequired
			}
			if goal, err = p.norm.ScaleOutputRange(p.goal, act); err != nil {
				return nil, nil, err
			}
		}
		last := length - 1
		for b := 0; b < batch; b++ {
			if pr.Input != nil {
				goal = pr.Input.Row(b, last)[act:]
			}
			copy(target.Row(b, last)[act:], goal)
			fillFrom(mask.Row(b, last), act, 1)
		}
	}
	return target, mask, nil
}

func fillFrom(row []float64, from int, v float64) {
	for i := from; i < len(row); i++ {
		row[i] = v
	}
}

// Reset zeroes the history of every environment whose done flag is set; a
// nil slice resets all of them. Any other length than NumEnvs is rejected
// and leaves the history untouched.
func (p *Policy) Reset(done []bool) error {
	if done == nil {
		p.history.Zero()
		return nil
	}
	if len(done) != p.cfg.NumEnvs {
		return fmt.Errorf("%w: %d done flags for %d envs", ErrShape, len(done), p.cfg.NumEnvs)
	}
	for i, d := range done {
		if d {
			p.history.ZeroBatch(i)
		}
	}
	return nil
}

// SetGoal sets the raw observation pinned at the last generated step when
// final observation inpainting is enabled.
func (p *Policy) SetGoal(obs []float64) error {
	if len(obs) != p.cfg.ObsDim {
		return fmt.Errorf("%w: goal width %d, want %d", ErrShape, len(obs), p.cfg.ObsDim)
	}
	p.goal = append([]float64(nil), obs...)
	return nil
}

// History returns a copy of the observation history [envs, T_cond, obs_dim].
func (p *Policy) History() *tensor.Seq { return p.history.Clone() }
