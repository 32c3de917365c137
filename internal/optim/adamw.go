// Package optim holds the optimiser and learning-rate schedule used by the
// policy's update step.
package optim

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"locodiff/internal/denoiser"
)

var ErrState = errors.New("optimizer state does not match parameters")

type AdamWConfig struct {
	LR          float64 `json:"lr" yaml:"lr"`
	Beta1       float64 `json:"beta1" yaml:"beta1"`
	Beta2       float64 `json:"beta2" yaml:"beta2"`
	WeightDecay float64 `json:"weight_decay" yaml:"weight_decay"`
	Eps         float64 `json:"eps" yaml:"eps"`
}

func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{LR: 1e-4, Beta1: 0.9, Beta2: 0.999, WeightDecay: 1e-3, Eps: 1e-8}
}

func (c AdamWConfig) Validate() error {
	if !(c.LR > 0) {
		return fmt.Errorf("learning rate must be > 0, got %g", c.LR)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("betas must be in [0, 1), got %g, %g", c.Beta1, c.Beta2)
	}
	if c.WeightDecay < 0 || !(c.Eps > 0) {
		return errors.New("weight decay must be >= 0 and eps > 0")
	}
	return nil
}

// AdamW is Adam with decoupled weight decay, applied only to parameters
// marked Decay.
type AdamW struct {
	cfg    AdamWConfig
	lr     float64
	params []*denoiser.Param
	m      [][]float64
	v      [][]float64
	step   int
}

func NewAdamW(params []*denoiser.Param, cfg AdamWConfig) (*AdamW, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &AdamW{cfg: cfg, lr: cfg.LR, params: params}
	o.m = zerosLike(params)
	o.v = zerosLike(params)
	return o, nil
}

func zerosLike(params []*denoiser.Param) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = make([]float64, len(p.Value))
	}
	return out
}

func (o *AdamW) LR() float64         { return o.lr }
func (o *AdamW) BaseLR() float64     { return o.cfg.LR }
func (o *AdamW) SetLR(lr float64)    { o.lr = lr }
func (o *AdamW) Steps() int          { return o.step }
func (o *AdamW) Config() AdamWConfig { return o.cfg }

func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// Step applies one update from the accumulated gradients.
func (o *AdamW) Step() {
	o.step++
	b1, b2 := o.cfg.Beta1, o.cfg.Beta2
	correction1 := 1 - math.Pow(b1, float64(o.step))
	correction2 := 1 - math.Pow(b2, float64(o.step))
	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		floats.Scale(b1, m)
		floats.AddScaled(m, 1-b1, p.Grad)
		for j, g := range p.Grad {
			v[j] = b2*v[j] + (1-b2)*g*g
		}
		if p.Decay {
			floats.Scale(1-o.lr*o.cfg.WeightDecay, p.Value)
		}
		for j := range p.Value {
			p.Value[j] -= o.lr * (m[j] / correction1) / (math.Sqrt(v[j]/correction2) + o.cfg.Eps)
		}
	}
}

// AdamWState is the persisted optimiser state.
type AdamWState struct {
	LR   float64     `json:"lr"`
	Step int         `json:"step"`
	M    [][]float64 `json:"m"`
	V    [][]float64 `json:"v"`
}

func (o *AdamW) State() AdamWState {
	return AdamWState{LR: o.lr, Step: o.step, M: clone2(o.m), V: clone2(o.v)}
}

// CheckState reports whether s can be loaded without modifying o.
func (o *AdamW) CheckState(s AdamWState) error {
	if err := denoiser.CheckValues(o.params, s.M); err != nil {
		return fmt.Errorf("%w: first moment: %v", ErrState, err)
	}
	if err := denoiser.CheckValues(o.params, s.V); err != nil {
		return fmt.Errorf("%w: second moment: %v", ErrState, err)
	}
	if s.Step < 0 {
		return fmt.Errorf("%w: negative step %d", ErrState, s.Step)
	}
	return nil
}

func (o *AdamW) LoadState(s AdamWState) error {
	if err := o.CheckState(s); err != nil {
		return err
	}
	o.lr, o.step = s.LR, s.Step
	o.m, o.v = clone2(s.M), clone2(s.V)
	return nil
}

func clone2(in [][]float64) [][]float64 {
	out := make([][]float64, len(in))
	for i := range in {
		out[i] = append([]float64(nil), in[i]...)
	}
	return out
}
