// Package policy turns a trained trajectory denoiser into an action policy
// and runs its training step.
package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"locodiff/internal/dataset"
	"locodiff/internal/denoiser"
	"locodiff/internal/normalize"
	"locodiff/internal/optim"
	"locodiff/internal/sampler"
	"locodiff/internal/schedule"
	"locodiff/internal/tensor"
)

var (
	ErrConfig        = errors.New("invalid policy configuration")
	ErrShape         = errors.New("policy shape mismatch")
	ErrNonFiniteLoss = errors.New("non-finite training loss")
	ErrGoalRequired  = errors.New("final observation inpainting needs a goal")
	ErrState         = errors.New("policy state does not match")
)

type Config struct {
	ObsDim  int
	ActDim  int
	T       int
	TCond   int
	NumEnvs int

	Sampler       sampler.Kind
	Schedule      schedule.Kind
	SamplingSteps int
	SigmaData     float64
	SigmaMin      float64
	SigmaMax      float64

	// GuidanceWeight and CondMaskProb configure classifier-free guidance,
	// which is only enabled when CondMaskProb > 0.
	GuidanceWeight float64
	CondMaskProb   float64

	Optimizer optim.AdamWConfig
	NumIters  int

	InpaintObs      bool
	InpaintFinalObs bool
	ResamplingSteps int
	JumpLength      int

	Seed int64
}

// InputLen is the length of the generated window.
func (c Config) InputLen() int {
	if c.InpaintObs {
		return c.T + c.TCond - 1
	}
	return c.T
}

// InputDim is the width of the generated window: actions then observations.
func (c Config) InputDim() int { return c.ActDim + c.ObsDim }

func (c Config) Validate() error {
	switch {
	case c.ObsDim < 1 || c.ActDim < 1:
		return fmt.Errorf("%w: obs and act dims must be >= 1, got %d and %d", ErrConfig, c.ObsDim, c.ActDim)
	case c.T < 1 || c.TCond < 1:
		return fmt.Errorf("%w: t and t_cond must be >= 1", ErrConfig)
	case c.NumEnvs < 1:
		return fmt.Errorf("%w: num_envs must be >= 1", ErrConfig)
	case c.SamplingSteps < 1:
		return fmt.Errorf("%w: sampling steps must be >= 1", ErrConfig)
	case !(c.SigmaData > 0):
		return fmt.Errorf("%w: sigma_data must be > 0", ErrConfig)
	case !(c.SigmaMin > 0) || !(c.SigmaMax > c.SigmaMin):
		return fmt.Errorf("%w: sigmas must satisfy 0 < min < max", ErrConfig)
	case c.CondMaskProb < 0 || c.CondMaskProb >= 1:
		return fmt.Errorf("%w: cond mask probability must be in [0, 1)", ErrConfig)
	case c.NumIters < 1:
		return fmt.Errorf("%w: num_iters must be >= 1", ErrConfig)
	case c.ResamplingSteps < 0 || c.JumpLength < 0:
		return fmt.Errorf("%w: resampling steps and jump length must be >= 0", ErrConfig)
	case c.InpaintObs && c.InpaintFinalObs && c.T == 1:
		return fmt.Errorf("%w: with t=1 the final observation is history and cannot be a goal", ErrConfig)
	}
	return nil
}

// Policy owns the observation history and the optimiser; it holds the
// network and normaliser by reference.
type Policy struct {
	cfg Config

	net     denoiser.Network
	model   denoiser.Network
	scaling *denoiser.ScalingWrapper
	norm    *normalize.Normalizer

	sampler  sampler.Sampler
	sched    schedule.Schedule
	discrete *schedule.Discrete
	density  schedule.LogLogistic

	opt *optim.AdamW
	lr  *optim.Cosine
	rng *rand.Rand

	history *tensor.Seq
	goal    []float64
}

// New wraps net for the configured sampler family: discrete samplers train
// on noise prediction directly, continuous ones through the preconditioning
// wrapper. Guidance wraps the network when conditioning dropout is enabled.
func New(cfg Config, net denoiser.Network, norm *normalize.Normalizer) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if net == nil || norm == nil {
		return nil, fmt.Errorf("%w: network and normalizer are required", ErrConfig)
	}
	if err := checkNormalizer(cfg, norm); err != nil {
		return nil, err
	}

	smp, err := sampler.New(cfg.Sampler)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	sched, err := schedule.New(cfg.Schedule, schedule.Params{
		Steps:    cfg.SamplingSteps,
		SigmaMin: cfg.SigmaMin,
		SigmaMax: cfg.SigmaMax,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	discrete, isDiscrete := sched.(*schedule.Discrete)
	if isDiscrete != smp.Discrete() {
		return nil, fmt.Errorf("%w: sampler %s cannot use schedule %s", ErrConfig, cfg.Sampler, cfg.Schedule)
	}

	p := &Policy{
		cfg:      cfg,
		net:      net,
		model:    net,
		norm:     norm,
		sampler:  smp,
		sched:    sched,
		discrete: discrete,
		density: schedule.LogLogistic{
			Loc:   math.Log(cfg.SigmaData),
			Scale: 0.5,
			Min:   cfg.SigmaMin,
			Max:   cfg.SigmaMax,
		},
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		history: tensor.New(cfg.NumEnvs, cfg.TCond, cfg.ObsDim),
	}
	if cfg.CondMaskProb > 0 {
		guided, err := denoiser.NewCFGWrapper(p.model, cfg.GuidanceWeight, cfg.CondMaskProb, rand.New(rand.NewSource(cfg.Seed+1)))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		p.model = guided
	}
	if !isDiscrete {
		if err := p.density.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		scaling, err := denoiser.NewScalingWrapper(p.model, cfg.SigmaData)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		p.scaling = scaling
		p.model = scaling
	}

	if p.opt, err = optim.NewAdamW(p.model.Params(), cfg.Optimizer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if p.lr, err = optim.NewCosine(p.opt, cfg.NumIters); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return p, nil
}

func checkNormalizer(cfg Config, norm *normalize.Normalizer) error {
	if norm.InputDim() != cfg.ObsDim || norm.OutputDim() != cfg.InputDim() {
		return fmt.Errorf("%w: normalizer dims %d/%d, want %d/%d",
			ErrConfig, norm.InputDim(), norm.OutputDim(), cfg.ObsDim, cfg.InputDim())
	}
	return nil
}

func (p *Policy) Config() Config                    { return p.cfg }
func (p *Policy) Params() []*denoiser.Param         { return p.model.Params() }
func (p *Policy) NumParams() int                    { return p.model.NumParams() }
func (p *Policy) Normalizer() *normalize.Normalizer { return p.norm }
func (p *Policy) LR() float64                       { return p.opt.LR() }

// Steps is the number of optimiser updates applied so far.
func (p *Policy) Steps() int { return p.opt.Steps() }

// Action is the result of one Act call. Actions holds one denormalised
// action per environment; ObsTraj is the predicted observation trajectory.
type Action struct {
	Actions [][]float64
	ObsTraj *tensor.Seq
}

// Act pushes obs into the history buffer, samples a trajectory and extracts
// the action aligned with the latest observation.
func (p *Policy) Act(ctx context.Context, obs [][]float64) (Action, error) {
	if len(obs) != p.cfg.NumEnvs {
		return Action{}, fmt.Errorf("%w: %d observations for %d envs", ErrShape, len(obs), p.cfg.NumEnvs)
	}
	current := tensor.New(p.cfg.NumEnvs, 1, p.cfg.ObsDim)
	for i, row := range obs {
		if len(row) != p.cfg.ObsDim {
			return Action{}, fmt.Errorf("%w: observation width %d, want %d", ErrShape, len(row), p.cfg.ObsDim)
		}
		copy(current.Row(i, 0), row)
	}
	// A failed act must not advance the history.
	prev := p.history.Clone()
	pr, err := p.Process(&dataset.Batch{Obs: current})
	if err != nil {
		p.history = prev
		return Action{}, err
	}

	p.model.SetTraining(false)
	x, err := p.forward(ctx, pr)
	if err != nil {
		p.history = prev
		return Action{}, err
	}

	step := 0
	if p.cfg.InpaintObs {
		step = p.cfg.TCond - 1
	}
	actions := make([][]float64, x.B)
	for b := range actions {
		actions[b] = append([]float64(nil), x.Row(b, step)[:p.cfg.ActDim]...)
	}
	traj, err := x.SliceDim(p.cfg.ActDim, p.cfg.InputDim())
	if err != nil {
		return Action{}, err
	}
	return Action{Actions: actions, ObsTraj: traj}, nil
}

// Update runs one optimiser step on batch and returns the training loss.
// A non-finite loss is returned as ErrNonFiniteLoss before any parameter
// changes.
func (p *Policy) Update(batch *dataset.Batch) (float64, error) {
	pr, err := p.Process(batch)
	if err != nil {
		return 0, err
	}
	if pr.Input == nil {
		return 0, fmt.Errorf("%w: update needs actions", ErrShape)
	}

	p.model.SetTraining(true)
	defer p.model.SetTraining(false)
	p.opt.ZeroGrad()

	in := pr.Input
	noise := tensor.Randn(in.B, in.L, in.D, p.rng)
	cond := denoiser.Conditioning{Obs: pr.Obs}

	var loss float64
	if p.discrete != nil {
		loss, err = p.noiseLoss(in, noise, cond, pr.Weights)
	} else {
		sigma := p.density.Sample(p.rng, in.B)
		loss, err = p.scaling.Loss(in, noise, sigma, cond, pr.Weights)
	}
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		p.opt.ZeroGrad()
		return loss, fmt.Errorf("%w: %v", ErrNonFiniteLoss, loss)
	}

	p.opt.Step()
	p.lr.Step()
	return loss, nil
}

// noiseLoss trains the network to predict the noise added at a random
// discrete timestep per batch element.
func (p *Policy) noiseLoss(in, noise *tensor.Seq, cond denoiser.Conditioning, weights *tensor.Seq) (float64, error) {
	timesteps := make([]int, in.B)
	levels := make([]float64, in.B)
	for i := range timesteps {
		timesteps[i] = p.rng.Intn(p.discrete.Steps())
		levels[i] = float64(timesteps[i])
	}
	noisy, err := p.discrete.AddNoise(in, noise, timesteps)
	if err != nil {
		return 0, err
	}
	pred, err := p.model.Denoise(noisy, levels, cond)
	if err != nil {
		return 0, err
	}
	loss, grad, err := weightedMSE(pred, noise, weights)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, nil
	}
	if err := p.model.Backward(grad); err != nil {
		return 0, err
	}
	return loss, nil
}

// Test samples trajectories for batch and returns their mean squared error
// against the denormalised ground truth over valid steps.
func (p *Policy) Test(ctx context.Context, batch *dataset.Batch) (float64, error) {
	pr, err := p.Process(batch)
	if err != nil {
		return 0, err
	}
	if pr.Input == nil {
		return 0, fmt.Errorf("%w: test needs actions", ErrShape)
	}
	p.model.SetTraining(false)
	x, err := p.forward(ctx, pr)
	if err != nil {
		return 0, err
	}
	truth, err := p.norm.InverseScaleOutput(pr.Input)
	if err != nil {
		return 0, err
	}
	loss, _, err := weightedMSE(x, truth, pr.Weights)
	return loss, err
}

// forward samples one trajectory per batch element and maps it back to
// data space.
func (p *Policy) forward(ctx context.Context, pr Processed) (*tensor.Seq, error) {
	noise := tensor.Randn(pr.Obs.B, p.cfg.InputLen(), p.cfg.InputDim(), p.rng)
	target, mask, err := p.inpainting(pr)
	if err != nil {
		return nil, err
	}
	x, err := p.sampler.Sample(ctx, sampler.Request{
		Model:           p.model,
		Noise:           noise,
		Cond:            denoiser.Conditioning{Obs: pr.Obs, Target: target, Mask: mask},
		Schedule:        p.sched,
		Rand:            p.rng,
		ResamplingSteps: p.cfg.ResamplingSteps,
		JumpLength:      p.cfg.JumpLength,
	})
	if err != nil {
		return nil, err
	}
	if x, err = p.norm.Clip(x); err != nil {
		return nil, err
	}
	return p.norm.InverseScaleOutput(x)
}

// weightedMSE returns the mean squared error of pred against want over the
// weight mass and its gradient with respect to pred. A nil weights tensor
// weighs every entry equally.
func weightedMSE(pred, want, weights *tensor.Seq) (float64, *tensor.Seq, error) {
	if !pred.SameShape(want) || (weights != nil && !pred.SameShape(weights)) {
		return 0, nil, fmt.Errorf("%w: loss over %v and %v", ErrShape, pred.Shape(), want.Shape())
	}
	grad := tensor.Like(pred)
	mass := float64(pred.Len())
	if weights != nil {
		mass = 0
		for _, w := range weights.Data {
			mass += w
		}
	}
	if mass == 0 {
		return 0, grad, nil
	}
	var loss float64
	for i, v := range pred.Data {
		w := 1.0
		if weights != nil {
			w = weights.Data[i]
		}
		diff := v - want.Data[i]
		loss += w * diff * diff
		grad.Data[i] = 2 * w * diff / mass
	}
	return loss / mass, grad, nil
}
