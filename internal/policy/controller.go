package policy

import (
	"context"

	"locodiff/internal/env"
)

type controller struct {
	p *Policy
}

// Controller adapts p to the closed-loop rollout interface.
func (p *Policy) Controller() env.Controller {
	return controller{p: p}
}

func (c controller) Act(ctx context.Context, obs [][]float64) ([][]float64, error) {
	out, err := c.p.Act(ctx, obs)
	if err != nil {
		return nil, err
	}
	return out.Actions, nil
}

func (c controller) Reset(dones []bool) error { return c.p.Reset(dones) }
