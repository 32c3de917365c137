package denoiser

import (
	"errors"
	"fmt"
	"math"

	"locodiff/internal/tensor"
)

// ScalingWrapper preconditions a network so that its input and training
// target have roughly unit variance at every noise level:
//
//	c_skip  = sd^2 / (sigma^2 + sd^2)
//	c_out   = sigma*sd / sqrt(sigma^2 + sd^2)
//	c_in    = 1 / sqrt(sigma^2 + sd^2)
//	c_noise = log(sigma) / 4
//
// and D(x, sigma) = c_skip*x + c_out*F(c_in*x, c_noise).
type ScalingWrapper struct {
	Inner     Network
	SigmaData float64

	lastOut []float64
}

func NewScalingWrapper(inner Network, sigmaData float64) (*ScalingWrapper, error) {
	if inner == nil {
		return nil, errors.New("scaling wrapper needs a network")
	}
	if !(sigmaData > 0) {
		return nil, fmt.Errorf("sigma_data must be > 0, got %g", sigmaData)
	}
	return &ScalingWrapper{Inner: inner, SigmaData: sigmaData}, nil
}

// Scalings returns the preconditioning coefficients for one noise level.
func (w *ScalingWrapper) Scalings(sigma float64) (cSkip, cOut, cIn float64) {
	sd2 := w.SigmaData * w.SigmaData
	norm := math.Sqrt(sigma*sigma + sd2)
	return sd2 / (sigma*sigma + sd2), sigma * w.SigmaData / norm, 1 / norm
}

type coefficients struct {
	skip, out, in, noise []float64
}

func (w *ScalingWrapper) coefficients(sigma []float64) coefficients {
	c := coefficients{
		skip:  make([]float64, len(sigma)),
		out:   make([]float64, len(sigma)),
		in:    make([]float64, len(sigma)),
		noise: make([]float64, len(sigma)),
	}
	for i, s := range sigma {
		c.skip[i], c.out[i], c.in[i] = w.Scalings(s)
		c.noise[i] = math.Log(s) / 4
	}
	return c
}

func (w *ScalingWrapper) raw(x *tensor.Seq, c coefficients, cond Conditioning) (*tensor.Seq, error) {
	in := x.Clone()
	if err := in.ScaleBatch(c.in); err != nil {
		return nil, err
	}
	out, err := w.Inner.Denoise(in, c.noise, cond)
	if err != nil {
		return nil, err
	}
	if !out.SameShape(x) {
		return nil, fmt.Errorf("%w: network returned %v for %v", ErrShape, out.Shape(), x.Shape())
	}
	w.lastOut = c.out
	return out, nil
}

func (w *ScalingWrapper) Denoise(x *tensor.Seq, sigma []float64, cond Conditioning) (*tensor.Seq, error) {
	if len(sigma) != x.B {
		return nil, fmt.Errorf("%w: %d noise levels for batch %d", ErrShape, len(sigma), x.B)
	}
	c := w.coefficients(sigma)
	out, err := w.raw(x, c, cond)
	if err != nil {
		return nil, err
	}
	if err := out.ScaleBatch(c.out); err != nil {
		return nil, err
	}
	if err := out.AddScaledBatch(c.skip, x); err != nil {
		return nil, err
	}
	return out, nil
}

// Loss noises x at sigma, evaluates the network on the preconditioned input
// and returns the mean squared error against the preconditioned target
// (x - c_skip*noised) / c_out. weights, if given, scales each squared error
// and the mean is taken over the weight mass. Gradients are accumulated into
// the wrapped network's parameters.
func (w *ScalingWrapper) Loss(x, noise *tensor.Seq, sigma []float64, cond Conditioning, weights *tensor.Seq) (float64, error) {
	if !x.SameShape(noise) {
		return 0, fmt.Errorf("%w: sample %v noise %v", ErrShape, x.Shape(), noise.Shape())
	}
	if weights != nil && !x.SameShape(weights) {
		return 0, fmt.Errorf("%w: sample %v weights %v", ErrShape, x.Shape(), weights.Shape())
	}
	if len(sigma) != x.B {
		return 0, fmt.Errorf("%w: %d noise levels for batch %d", ErrShape, len(sigma), x.B)
	}
	c := w.coefficients(sigma)

	noised := x.Clone()
	if err := noised.AddScaledBatch(sigma, noise); err != nil {
		return 0, err
	}
	pred, err := w.raw(noised, c, cond)
	if err != nil {
		return 0, err
	}

	target := noised.Clone()
	negSkip := make([]float64, len(sigma))
	invOut := make([]float64, len(sigma))
	for i := range sigma {
		negSkip[i], invOut[i] = -c.skip[i], 1/c.out[i]
	}
	if err := target.ScaleBatch(negSkip); err != nil {
		return 0, err
	}
	if err := target.AddScaled(1, x); err != nil {
		return 0, err
	}
	if err := target.ScaleBatch(invOut); err != nil {
		return 0, err
	}

	mass := float64(x.Len())
	if weights != nil {
		mass = 0
		for _, v := range weights.Data {
			mass += v
		}
	}
	if mass == 0 {
		return 0, nil
	}

	grad := tensor.Like(pred)
	var loss float64
	for i, p := range pred.Data {
		weight := 1.0
		if weights != nil {
			weight = weights.Data[i]
		}
		diff := p - target.Data[i]
		loss += weight * diff * diff
		grad.Data[i] = 2 * weight * diff / mass
	}
	loss /= mass
	if err := w.Inner.Backward(grad); err != nil {
		return 0, err
	}
	return loss, nil
}

// Backward maps the gradient of the preconditioned output onto the network
// output; the skip term has no parameters.
func (w *ScalingWrapper) Backward(grad *tensor.Seq) error {
	if w.lastOut == nil {
		return ErrNoForward
	}
	g := grad.Clone()
	if err := g.ScaleBatch(w.lastOut); err != nil {
		return err
	}
	return w.Inner.Backward(g)
}

func (w *ScalingWrapper) SetTraining(training bool)              { w.Inner.SetTraining(training) }
func (w *ScalingWrapper) Params() []*Param                       { return w.Inner.Params() }
func (w *ScalingWrapper) ParamGroups() (decay, noDecay []*Param) { return w.Inner.ParamGroups() }
func (w *ScalingWrapper) NumParams() int                         { return w.Inner.NumParams() }
