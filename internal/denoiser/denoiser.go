// Package denoiser defines the denoiser call contract shared by networks and
// the wrappers composed around them.
package denoiser

import (
	"errors"
	"fmt"

	"locodiff/internal/tensor"
)

var (
	ErrShape       = errors.New("denoiser shape mismatch")
	ErrNotTraining = errors.New("backward requires a training-mode forward pass")
	ErrNoForward   = errors.New("backward called before forward")
)

// Conditioning is everything a denoiser call is conditioned on. Obs is the
// normalised observation history [B, T_cond, obs_dim]. Target and Mask are
// the inpainting pair; either may be nil when nothing is pinned.
type Conditioning struct {
	Obs    *tensor.Seq
	Target *tensor.Seq
	Mask   *tensor.Seq
}

// Denoiser maps a noisy trajectory at per-element noise levels to a
// same-shaped prediction.
type Denoiser interface {
	Denoise(x *tensor.Seq, sigma []float64, cond Conditioning) (*tensor.Seq, error)
}

// Network is a trainable Denoiser. Backward consumes the gradient of the loss
// with respect to the output of the most recent training-mode Denoise call
// and accumulates parameter gradients into Param.Grad.
type Network interface {
	Denoiser
	Params() []*Param
	ParamGroups() (decay, noDecay []*Param)
	NumParams() int
	Backward(grad *tensor.Seq) error
	SetTraining(training bool)
}

// Param is one trainable tensor. Value and Grad are flat and never
// reallocated, so callers may copy into them in place.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
	// Decay marks parameters that receive weight decay.
	Decay bool
}

func NewParam(name string, value []float64, decay bool) *Param {
	return &Param{Name: name, Value: value, Grad: make([]float64, len(value)), Decay: decay}
}

func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Groups splits params by their Decay flag.
func Groups(params []*Param) (decay, noDecay []*Param) {
	for _, p := range params {
		if p.Decay {
			decay = append(decay, p)
		} else {
			noDecay = append(noDecay, p)
		}
	}
	return decay, noDecay
}

func Count(params []*Param) int {
	n := 0
	for _, p := range params {
		n += len(p.Value)
	}
	return n
}

// Snapshot copies every parameter value.
func Snapshot(params []*Param) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = append([]float64(nil), p.Value...)
	}
	return out
}

// Load copies values into params in place after checking every shape.
func Load(params []*Param, values [][]float64) error {
	if err := CheckValues(params, values); err != nil {
		return err
	}
	for i, p := range params {
		copy(p.Value, values[i])
	}
	return nil
}

// CheckValues reports whether values can be loaded into params.
func CheckValues(params []*Param, values [][]float64) error {
	if len(values) != len(params) {
		return fmt.Errorf("%w: %d tensors for %d params", ErrShape, len(values), len(params))
	}
	for i, p := range params {
		if len(values[i]) != len(p.Value) {
			return fmt.Errorf("%w: param %s has %d values, got %d", ErrShape, p.Name, len(p.Value), len(values[i]))
		}
	}
	return nil
}
