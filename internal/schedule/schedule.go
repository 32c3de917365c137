// Package schedule provides the noise schedules the sampler walks and the
// training-time noise level density.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

var (
	ErrUnknownKind = errors.New("unknown schedule kind")
	ErrKindExists  = errors.New("schedule kind already registered")
	ErrConfig      = errors.New("invalid schedule configuration")
)

// Schedule exposes the ordered noise levels a sampler walks through.
// Levels are strictly decreasing and the last level is 0.
type Schedule interface {
	Kind() Kind
	Levels() []float64
	Steps() int
}

// Kind selects a schedule family member.
type Kind string

const (
	KindExponential  Kind = "exponential"
	KindLinear       Kind = "linear"
	KindSquaredCos   Kind = "squaredcos_cap_v2"
	KindBetaLinear   Kind = "beta_linear"
	KindScaledLinear Kind = "scaled_linear"
)

// Params carries every knob either family may need.
type Params struct {
	Steps    int
	SigmaMin float64
	SigmaMax float64
}

type Factory func(Params) (Schedule, error)

var registry = struct {
	mu sync.RWMutex
	m  map[Kind]Factory
}{
	m: make(map[Kind]Factory),
}

func init() {
	initializeBuiltInKinds()
}

func initializeBuiltInKinds() {
	MustRegister(KindExponential, func(p Params) (Schedule, error) {
		return NewContinuous(KindExponential, p.Steps, p.SigmaMin, p.SigmaMax)
	})
	MustRegister(KindLinear, func(p Params) (Schedule, error) {
		return NewContinuous(KindLinear, p.Steps, p.SigmaMin, p.SigmaMax)
	})
	for _, kind := range []Kind{KindSquaredCos, KindBetaLinear, KindScaledLinear} {
		kind := kind
		MustRegister(kind, func(p Params) (Schedule, error) {
			return NewDiscrete(kind, p.Steps)
		})
	}
}

func Register(kind Kind, factory Factory) error {
	if kind == "" {
		return errors.New("schedule kind is required")
	}
	if factory == nil {
		return errors.New("schedule factory is required")
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.m[kind]; exists {
		return fmt.Errorf("%w: %s", ErrKindExists, kind)
	}
	registry.m[kind] = factory
	return nil
}

func MustRegister(kind Kind, factory Factory) {
	if err := Register(kind, factory); err != nil {
		panic(err)
	}
}

// New builds the schedule registered under kind.
func New(kind Kind, p Params) (Schedule, error) {
	registry.mu.RLock()
	factory, ok := registry.m[kind]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return factory(p)
}

func Kinds() []Kind {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	kinds := make([]Kind, 0, len(registry.m))
	for kind := range registry.m {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func resetRegistryForTests() {
	registry.mu.Lock()
	registry.m = make(map[Kind]Factory)
	registry.mu.Unlock()
	initializeBuiltInKinds()
}

// Continuous is a continuous-time (sigma) schedule.
type Continuous struct {
	kind   Kind
	levels []float64
}

// NewContinuous builds steps+1 levels running from sigmaMax down to sigmaMin,
// followed by a terminal 0.
func NewContinuous(kind Kind, steps int, sigmaMin, sigmaMax float64) (*Continuous, error) {
	if steps < 1 {
		return nil, fmt.Errorf("%w: steps must be >= 1, got %d", ErrConfig, steps)
	}
	if !(sigmaMin > 0) || !(sigmaMax > sigmaMin) {
		return nil, fmt.Errorf("%w: need 0 < sigma_min < sigma_max, got %g, %g", ErrConfig, sigmaMin, sigmaMax)
	}
	var levels []float64
	switch kind {
	case KindExponential:
		levels = ExponentialSigmas(steps, sigmaMin, sigmaMax)
	case KindLinear:
		levels = LinearSigmas(steps, sigmaMin, sigmaMax)
	default:
		return nil, fmt.Errorf("%w: %q is not a continuous schedule", ErrUnknownKind, kind)
	}
	return &Continuous{kind: kind, levels: levels}, nil
}

func (c *Continuous) Kind() Kind { return c.kind }

func (c *Continuous) Steps() int { return len(c.levels) - 1 }

func (c *Continuous) Levels() []float64 {
	return append([]float64(nil), c.levels...)
}

func (c *Continuous) SigmaMax() float64 { return c.levels[0] }

// ExponentialSigmas spaces n levels geometrically from sigmaMax to sigmaMin
// and appends 0.
func ExponentialSigmas(n int, sigmaMin, sigmaMax float64) []float64 {
	hi, lo := math.Log(sigmaMax), math.Log(sigmaMin)
	out := make([]float64, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, math.Exp(lerp(hi, lo, i, n)))
	}
	return append(out, 0)
}

// LinearSigmas spaces n levels evenly from sigmaMax to sigmaMin and appends 0.
func LinearSigmas(n int, sigmaMin, sigmaMax float64) []float64 {
	out := make([]float64, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, lerp(sigmaMax, sigmaMin, i, n))
	}
	return append(out, 0)
}

// lerp mirrors linspace(from, to, n)[i].
func lerp(from, to float64, i, n int) float64 {
	if n == 1 {
		return from
	}
	if i == n-1 {
		return to
	}
	return from + (to-from)*float64(i)/float64(n-1)
}

// LogLogistic is a log-logistic density over noise levels, truncated to
// [Min, Max]. Samples are drawn by inverting the CDF on the truncated range.
type LogLogistic struct {
	Loc   float64
	Scale float64
	Min   float64
	Max   float64
}

func (d LogLogistic) Validate() error {
	if !(d.Scale > 0) {
		return fmt.Errorf("%w: log-logistic scale must be > 0", ErrConfig)
	}
	if !(d.Min > 0) || !(d.Max > d.Min) {
		return fmt.Errorf("%w: log-logistic bounds must satisfy 0 < min < max", ErrConfig)
	}
	return nil
}

func (d LogLogistic) Sample(rng *rand.Rand, n int) []float64 {
	minCDF := sigmoid((math.Log(d.Min) - d.Loc) / d.Scale)
	maxCDF := sigmoid((math.Log(d.Max) - d.Loc) / d.Scale)
	out := make([]float64, n)
	for i := range out {
		u := rng.Float64()*(maxCDF-minCDF) + minCDF
		out[i] = math.Exp(logit(u)*d.Scale + d.Loc)
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}
