package sampler

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"locodiff/internal/schedule"
	"locodiff/internal/tensor"
)

type stepRule int

const (
	ruleEuler stepRule = iota
	ruleEulerAncestral
	ruleHeun
	ruleDPMPP2M
)

func (r stepRule) kind() Kind {
	switch r {
	case ruleEulerAncestral:
		return KindEulerAncestral
	case ruleHeun:
		return KindHeun
	case ruleDPMPP2M:
		return KindDPMPP2M
	default:
		return KindEuler
	}
}

// Continuous integrates the probability-flow (or ancestral) dynamics over a
// sigma schedule. The denoiser is expected to return the clean estimate.
type Continuous struct {
	rule stepRule
}

func (c Continuous) Kind() Kind     { return c.rule.kind() }
func (c Continuous) Discrete() bool { return false }

// walk is the per-call integration state.
type walk struct {
	req    Request
	target *tensor.Seq
	mask   *tensor.Seq
	// previous clean estimate and log-sigma for the multistep rule
	prevDenoised *tensor.Seq
	prevT        float64
}

func (c Continuous) Sample(ctx context.Context, req Request) (*tensor.Seq, error) {
	target, mask, err := req.validate()
	if err != nil {
		return nil, err
	}
	if _, ok := req.Schedule.(*schedule.Discrete); ok {
		return nil, fmt.Errorf("%w: %s needs a continuous schedule", ErrSchedule, c.Kind())
	}
	levels := req.Schedule.Levels()
	if len(levels) < 2 {
		return nil, fmt.Errorf("%w: need at least two levels", ErrSchedule)
	}

	w := &walk{req: req, target: target, mask: mask}
	x := req.Noise.Clone()
	x.Scale(levels[0])

	path := JumpPath(len(levels)-1, req.ResamplingSteps, req.JumpLength)
	for i := 1; i < len(path); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		from, to := path[i-1], path[i]
		if to < from {
			renoise(x, levels[from], levels[to], req.Rand)
			w.prevDenoised = nil
			continue
		}
		if x, err = c.step(w, x, levels[from], levels[to]); err != nil {
			return nil, fmt.Errorf("step %d (sigma %g): %w", i, levels[from], err)
		}
	}

	if err := x.Blend(target, mask); err != nil {
		return nil, err
	}
	return x, nil
}

func (c Continuous) step(w *walk, x *tensor.Seq, sigma, next float64) (*tensor.Seq, error) {
	if err := pin(x, w.target, w.mask, sigma, w.req.Rand); err != nil {
		return nil, err
	}
	denoised, err := w.req.denoise(x, sigma)
	if err != nil {
		return nil, err
	}

	switch c.rule {
	case ruleEulerAncestral:
		down, up := ancestralStep(sigma, next)
		d, err := derivative(x, denoised, sigma)
		if err != nil {
			return nil, err
		}
		if err := x.AddScaled(down-sigma, d); err != nil {
			return nil, err
		}
		if next > 0 {
			if err := x.AddScaled(up, tensor.Randn(x.B, x.L, x.D, w.req.Rand)); err != nil {
				return nil, err
			}
		}
		return x, nil

	case ruleHeun:
		d, err := derivative(x, denoised, sigma)
		if err != nil {
			return nil, err
		}
		if next == 0 {
			return x, x.AddScaled(next-sigma, d)
		}
		x2 := x.Clone()
		if err := x2.AddScaled(next-sigma, d); err != nil {
			return nil, err
		}
		if err := pin(x2, w.target, w.mask, next, w.req.Rand); err != nil {
			return nil, err
		}
		denoised2, err := w.req.denoise(x2, next)
		if err != nil {
			return nil, err
		}
		d2, err := derivative(x2, denoised2, next)
		if err != nil {
			return nil, err
		}
		if err := x.AddScaled((next-sigma)/2, d); err != nil {
			return nil, err
		}
		return x, x.AddScaled((next-sigma)/2, d2)

	case ruleDPMPP2M:
		t, tNext := -math.Log(sigma), -math.Log(next)
		h := tNext - t
		estimate := denoised
		if w.prevDenoised != nil && next > 0 {
			r := (t - w.prevT) / h
			estimate = denoised.Clone()
			estimate.Scale(1 + 1/(2*r))
			if err := estimate.AddScaled(-1/(2*r), w.prevDenoised); err != nil {
				return nil, err
			}
		}
		x.Scale(next / sigma)
		if err := x.AddScaled(-math.Expm1(-h), estimate); err != nil {
			return nil, err
		}
		w.prevDenoised, w.prevT = denoised, t
		return x, nil

	default:
		d, err := derivative(x, denoised, sigma)
		if err != nil {
			return nil, err
		}
		return x, x.AddScaled(next-sigma, d)
	}
}

// derivative is (x - denoised) / sigma.
func derivative(x, denoised *tensor.Seq, sigma float64) (*tensor.Seq, error) {
	d := x.Clone()
	if err := d.AddScaled(-1, denoised); err != nil {
		return nil, fmt.Errorf("%w: denoised %v, sample %v", ErrShapeMismatch, denoised.Shape(), x.Shape())
	}
	d.Scale(1 / sigma)
	return d, nil
}

// ancestralStep splits the move to next into a deterministic part down and
// fresh noise of magnitude up.
func ancestralStep(sigma, next float64) (down, up float64) {
	if next == 0 {
		return 0, 0
	}
	up = math.Min(next, math.Sqrt(next*next*(sigma*sigma-next*next)/(sigma*sigma)))
	down = math.Sqrt(next*next - up*up)
	return down, up
}

// pin overwrites masked entries of x with target plus noise at level.
func pin(x, target, mask *tensor.Seq, level float64, rng *rand.Rand) error {
	noisy := target.Clone()
	if level > 0 {
		for i, m := range mask.Data {
			if m != 0 {
				noisy.Data[i] += level * rng.NormFloat64()
			}
		}
	}
	return x.Blend(noisy, mask)
}

// renoise raises x from level from to the higher level to.
func renoise(x *tensor.Seq, from, to float64, rng *rand.Rand) {
	scale := math.Sqrt(math.Max(to*to-from*from, 0))
	for i := range x.Data {
		x.Data[i] += scale * rng.NormFloat64()
	}
}

// JumpPath lists the level indices visited when walking steps levels with
// resampling jumps. The walk starts at 0 and descends one index at a time;
// at every index k that is a multiple of jump with jump <= k < steps it
// climbs back jump levels resampling-1 times before continuing. Without
// resampling the path is 0, 1, ..., steps.
func JumpPath(steps, resampling, jump int) []int {
	path := []int{0}
	pending := make(map[int]int)
	if resampling > 1 && jump > 0 {
		for k := jump; k < steps; k += jump {
			pending[k] = resampling - 1
		}
	}
	cur := 0
	for cur < steps {
		if pending[cur] > 0 {
			pending[cur]--
			for i := 0; i < jump; i++ {
				cur--
				path = append(path, cur)
			}
			continue
		}
		cur++
		path = append(path, cur)
	}
	return path
}
