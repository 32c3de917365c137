package env

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// CartPole is a vectorised simplified 1D balancing task. The observation is
// [position, velocity] and the action is a single force in [-1, 1].
// An episode ends when |position| > 2 or after the mode's step limit.
type CartPole struct {
	cfg   cartPoleModeConfig
	rng   *rand.Rand
	x     []float64
	v     []float64
	steps []int
}

type cartPoleModeConfig struct {
	mode            string
	startPositions  []float64
	stepsPerEpisode int
}

func cartPoleConfigForMode(mode string) (cartPoleModeConfig, error) {
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case "", "train":
		return cartPoleModeConfig{
			mode:            "train",
			startPositions:  []float64{-0.8, -0.4, 0.0, 0.4, 0.8},
			stepsPerEpisode: 60,
		}, nil
	case "validation":
		return cartPoleModeConfig{
			mode:            "validation",
			startPositions:  []float64{-1.0, -0.5, 0.5, 1.0},
			stepsPerEpisode: 48,
		}, nil
	case "test":
		return cartPoleModeConfig{
			mode:            "test",
			startPositions:  []float64{-1.2, -0.6, 0.0, 0.6, 1.2},
			stepsPerEpisode: 48,
		}, nil
	default:
		return cartPoleModeConfig{}, fmt.Errorf("%w: cart-pole %q", ErrUnknownMode, mode)
	}
}

func NewCartPole(numEnvs int, mode string, seed int64) (*CartPole, error) {
	if numEnvs < 1 {
		return nil, fmt.Errorf("cart-pole needs at least one env, got %d", numEnvs)
	}
	cfg, err := cartPoleConfigForMode(mode)
	if err != nil {
		return nil, err
	}
	return &CartPole{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		x:     make([]float64, numEnvs),
		v:     make([]float64, numEnvs),
		steps: make([]int, numEnvs),
	}, nil
}

func (c *CartPole) NumEnvs() int       { return len(c.x) }
func (c *CartPole) ObsDim() int        { return 2 }
func (c *CartPole) ActDim() int        { return 1 }
func (c *CartPole) Mode() string       { return c.cfg.mode }
func (c *CartPole) Goal() []float64    { return []float64{0, 0} }
func (c *CartPole) MaxEpisodeLen() int { return c.cfg.stepsPerEpisode }

func (c *CartPole) Reset() [][]float64 {
	for i := range c.x {
		c.resetEnv(i)
	}
	return c.observe()
}

func (c *CartPole) resetEnv(i int) {
	start := c.cfg.startPositions[c.rng.Intn(len(c.cfg.startPositions))]
	c.x[i] = start + 0.05*c.rng.NormFloat64()
	c.v[i] = 0
	c.steps[i] = 0
}

func (c *CartPole) observe() [][]float64 {
	obs := make([][]float64, len(c.x))
	for i := range obs {
		obs[i] = []float64{c.x[i], c.v[i]}
	}
	return obs
}

func (c *CartPole) Step(actions [][]float64) ([][]float64, []float64, []bool, error) {
	if err := checkActions(actions, len(c.x), 1); err != nil {
		return nil, nil, nil, err
	}
	rewards := make([]float64, len(c.x))
	dones := make([]bool, len(c.x))
	for i, a := range actions {
		c.x[i], c.v[i], rewards[i] = cartPoleStep(c.x[i], c.v[i], a[0])
		c.steps[i]++
		if math.Abs(c.x[i]) > 2.0 || c.steps[i] >= c.cfg.stepsPerEpisode {
			dones[i] = true
			c.resetEnv(i)
		}
	}
	return c.observe(), rewards, dones, nil
}

func cartPoleStep(x, v, force float64) (nextX, nextV, reward float64) {
	const (
		dt       = 0.1
		kPos     = 0.45
		kVel     = 0.15
		forceK   = 1.25
		maxForce = 1.0
	)
	if math.IsNaN(force) {
		force = 0
	}
	force = math.Max(-maxForce, math.Min(maxForce, force))

	acc := forceK*force - kPos*x - kVel*v
	v = v + acc*dt
	x = x + v*dt
	reward = 1.0 - math.Min(1.0, math.Abs(x)/2.0)
	return x, v, reward
}
