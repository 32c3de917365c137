package denoiser

import (
	"errors"
	"math/rand"

	"locodiff/internal/tensor"
)

// CFGWrapper adds classifier-free guidance around a network. In training
// mode the observation conditioning of each batch element is zeroed with
// probability DropProb. In inference mode the output is
// uncond + GuidanceWeight*(cond - uncond); a weight of 1 returns the
// conditional prediction unchanged.
type CFGWrapper struct {
	Inner          Network
	DropProb       float64
	GuidanceWeight float64
	Rand           *rand.Rand

	training bool
}

func NewCFGWrapper(inner Network, guidanceWeight, dropProb float64, rng *rand.Rand) (*CFGWrapper, error) {
	if inner == nil {
		return nil, errors.New("cfg wrapper needs a network")
	}
	if dropProb < 0 || dropProb >= 1 {
		return nil, errors.New("cfg drop probability must be in [0, 1)")
	}
	if rng == nil {
		return nil, errors.New("cfg wrapper needs a random source")
	}
	return &CFGWrapper{Inner: inner, DropProb: dropProb, GuidanceWeight: guidanceWeight, Rand: rng}, nil
}

func (w *CFGWrapper) Denoise(x *tensor.Seq, sigma []float64, cond Conditioning) (*tensor.Seq, error) {
	if w.training {
		return w.Inner.Denoise(x, sigma, w.dropConditioning(cond))
	}
	out, err := w.Inner.Denoise(x, sigma, cond)
	if err != nil || w.GuidanceWeight == 1 {
		return out, err
	}
	uncond, err := w.Inner.Denoise(x, sigma, unconditional(cond))
	if err != nil {
		return nil, err
	}
	// uncond + w*(cond - uncond), written into out
	out.Scale(w.GuidanceWeight)
	if err := out.AddScaled(1-w.GuidanceWeight, uncond); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *CFGWrapper) dropConditioning(cond Conditioning) Conditioning {
	if cond.Obs == nil || w.DropProb == 0 {
		return cond
	}
	var dropped *tensor.Seq
	for b := 0; b < cond.Obs.B; b++ {
		if w.Rand.Float64() >= w.DropProb {
			continue
		}
		if dropped == nil {
			dropped = cond.Obs.Clone()
		}
		dropped.ZeroBatch(b)
	}
	if dropped != nil {
		cond.Obs = dropped
	}
	return cond
}

func unconditional(cond Conditioning) Conditioning {
	if cond.Obs != nil {
		cond.Obs = tensor.Like(cond.Obs)
	}
	return cond
}

func (w *CFGWrapper) Backward(grad *tensor.Seq) error {
	if !w.training {
		return ErrNotTraining
	}
	return w.Inner.Backward(grad)
}

func (w *CFGWrapper) SetTraining(training bool) {
	w.training = training
	w.Inner.SetTraining(training)
}

func (w *CFGWrapper) Params() []*Param                       { return w.Inner.Params() }
func (w *CFGWrapper) ParamGroups() (decay, noDecay []*Param) { return w.Inner.ParamGroups() }
func (w *CFGWrapper) NumParams() int                         { return w.Inner.NumParams() }
