package schedule

import (
	"fmt"
	"math"
	"math/rand"

	"locodiff/internal/tensor"
)

const maxBeta = 0.999

// Discrete is a fixed-step variance schedule for epsilon-prediction DDPM
// training and ancestral sampling.
type Discrete struct {
	kind          Kind
	betas         []float64
	alphasCumprod []float64
	// ClipSample bounds the predicted clean sample to [-1, 1] in Step.
	ClipSample bool
}

func NewDiscrete(kind Kind, steps int) (*Discrete, error) {
	if steps < 1 {
		return nil, fmt.Errorf("%w: steps must be >= 1, got %d", ErrConfig, steps)
	}
	betas := make([]float64, steps)
	switch kind {
	case KindSquaredCos:
		alphaBar := func(t float64) float64 {
			c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return c * c
		}
		for i := range betas {
			t1 := float64(i) / float64(steps)
			t2 := float64(i+1) / float64(steps)
			betas[i] = math.Min(1-alphaBar(t2)/alphaBar(t1), maxBeta)
		}
	case KindBetaLinear:
		for i := range betas {
			betas[i] = lerp(1e-4, 0.02, i, steps)
		}
	case KindScaledLinear:
		start, end := math.Sqrt(0.00085), math.Sqrt(0.012)
		for i := range betas {
			b := lerp(start, end, i, steps)
			betas[i] = b * b
		}
	default:
		return nil, fmt.Errorf("%w: %q is not a discrete schedule", ErrUnknownKind, kind)
	}

	alphasCumprod := make([]float64, steps)
	prod := 1.0
	for i, beta := range betas {
		prod *= 1 - beta
		alphasCumprod[i] = prod
	}
	return &Discrete{kind: kind, betas: betas, alphasCumprod: alphasCumprod, ClipSample: true}, nil
}

func (s *Discrete) Kind() Kind { return s.kind }

func (s *Discrete) Steps() int { return len(s.betas) }

func (s *Discrete) AlphaCumprod(t int) float64 { return s.alphasCumprod[t] }

// Timesteps returns K-1 ... 0.
func (s *Discrete) Timesteps() []int {
	out := make([]int, len(s.betas))
	for i := range out {
		out[i] = len(s.betas) - 1 - i
	}
	return out
}

// Levels returns the equivalent noise magnitudes sqrt((1-a)/a) in sampling
// order followed by 0.
func (s *Discrete) Levels() []float64 {
	out := make([]float64, 0, len(s.betas)+1)
	for _, t := range s.Timesteps() {
		a := s.alphasCumprod[t]
		out = append(out, math.Sqrt((1-a)/a))
	}
	return append(out, 0)
}

// AddNoise returns sqrt(a_t)*x + sqrt(1-a_t)*noise with one timestep per batch element.
func (s *Discrete) AddNoise(x, noise *tensor.Seq, timesteps []int) (*tensor.Seq, error) {
	if !x.SameShape(noise) {
		return nil, fmt.Errorf("%w: sample %v noise %v", tensor.ErrShape, x.Shape(), noise.Shape())
	}
	if len(timesteps) != x.B {
		return nil, fmt.Errorf("%w: %d timesteps for batch %d", tensor.ErrShape, len(timesteps), x.B)
	}
	signal := make([]float64, x.B)
	spread := make([]float64, x.B)
	for b, t := range timesteps {
		if t < 0 || t >= len(s.betas) {
			return nil, fmt.Errorf("%w: timestep %d outside [0, %d)", ErrConfig, t, len(s.betas))
		}
		a := s.alphasCumprod[t]
		signal[b], spread[b] = math.Sqrt(a), math.Sqrt(1-a)
	}
	out := x.Clone()
	if err := out.ScaleBatch(signal); err != nil {
		return nil, err
	}
	if err := out.AddScaledBatch(spread, noise); err != nil {
		return nil, err
	}
	return out, nil
}

// Step computes x_{t-1} from x_t and the predicted noise using the
// closed-form posterior with fixed-small variance.
func (s *Discrete) Step(eps *tensor.Seq, t int, sample *tensor.Seq, rng *rand.Rand) (*tensor.Seq, error) {
	if !eps.SameShape(sample) {
		return nil, fmt.Errorf("%w: prediction %v sample %v", tensor.ErrShape, eps.Shape(), sample.Shape())
	}
	if t < 0 || t >= len(s.betas) {
		return nil, fmt.Errorf("%w: timestep %d outside [0, %d)", ErrConfig, t, len(s.betas))
	}
	alphaProd := s.alphasCumprod[t]
	alphaProdPrev := 1.0
	if t > 0 {
		alphaProdPrev = s.alphasCumprod[t-1]
	}
	betaProd := 1 - alphaProd
	betaProdPrev := 1 - alphaProdPrev
	currentAlpha := alphaProd / alphaProdPrev
	currentBeta := 1 - currentAlpha

	coefOrig := math.Sqrt(alphaProdPrev) * currentBeta / betaProd
	coefCur := math.Sqrt(currentAlpha) * betaProdPrev / betaProd
	sqrtAlpha, sqrtBeta := math.Sqrt(alphaProd), math.Sqrt(betaProd)

	var std float64
	if t > 0 {
		std = math.Sqrt(math.Max(betaProdPrev/betaProd*currentBeta, 1e-20))
	}

	out := tensor.Like(sample)
	for i, x := range sample.Data {
		orig := (x - sqrtBeta*eps.Data[i]) / sqrtAlpha
		if s.ClipSample {
			orig = math.Max(-1, math.Min(1, orig))
		}
		out.Data[i] = coefOrig*orig + coefCur*x
	}
	if t > 0 {
		for i := range out.Data {
			out.Data[i] += std * rng.NormFloat64()
		}
	}
	return out, nil
}
