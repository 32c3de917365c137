package optim

import (
	"errors"
	"math"
)

// Cosine anneals the optimiser learning rate from its base value to MinLR
// over TMax steps.
type Cosine struct {
	opt   *AdamW
	TMax  int
	MinLR float64
	epoch int
}

func NewCosine(opt *AdamW, tMax int) (*Cosine, error) {
	if opt == nil {
		return nil, errors.New("cosine schedule needs an optimizer")
	}
	if tMax < 1 {
		return nil, errors.New("cosine schedule needs t_max >= 1")
	}
	return &Cosine{opt: opt, TMax: tMax}, nil
}

func (c *Cosine) Epoch() int { return c.epoch }

// Step advances one epoch and sets the optimiser learning rate.
func (c *Cosine) Step() {
	c.epoch++
	c.opt.SetLR(c.At(c.epoch))
}

// At is the learning rate after epoch steps.
func (c *Cosine) At(epoch int) float64 {
	base := c.opt.BaseLR()
	return c.MinLR + (base-c.MinLR)*(1+math.Cos(math.Pi*float64(epoch)/float64(c.TMax)))/2
}

func (c *Cosine) SetEpoch(epoch int) {
	c.epoch = epoch
	c.opt.SetLR(c.At(epoch))
}
