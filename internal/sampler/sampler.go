// Package sampler runs reverse diffusion from Gaussian noise to a trajectory
// while keeping inpainted entries pinned to their targets.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"locodiff/internal/denoiser"
	"locodiff/internal/schedule"
	"locodiff/internal/tensor"
)

var (
	ErrUnknownKind   = errors.New("unknown sampler kind")
	ErrKindExists    = errors.New("sampler kind already registered")
	ErrShapeMismatch = errors.New("sampler shape mismatch")
	ErrSchedule      = errors.New("sampler schedule mismatch")
)

type Kind string

const (
	KindDDPM           Kind = "ddpm"
	KindEuler          Kind = "euler"
	KindEulerAncestral Kind = "euler_ancestral"
	KindHeun           Kind = "heun"
	KindDPMPP2M        Kind = "dpmpp_2m"
)

// Request is one sampling call. Noise is standard normal with the working
// shape; continuous samplers scale it to the first noise level themselves.
type Request struct {
	Model    denoiser.Denoiser
	Noise    *tensor.Seq
	Cond     denoiser.Conditioning
	Schedule schedule.Schedule
	Rand     *rand.Rand
	// ResamplingSteps > 1 enables resampling jumps of JumpLength levels on
	// continuous schedules.
	ResamplingSteps int
	JumpLength      int
}

type Sampler interface {
	Kind() Kind
	// Discrete reports whether the sampler needs a discrete schedule.
	Discrete() bool
	Sample(ctx context.Context, req Request) (*tensor.Seq, error)
}

type Factory func() Sampler

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
	MustRegister(KindDDPM, func() Sampler { return DDPM{} })
	for _, rule := range []stepRule{ruleEuler, ruleEulerAncestral, ruleHeun, ruleDPMPP2M} {
		rule := rule
		MustRegister(rule.kind(), func() Sampler { return Continuous{rule: rule} })
	}
}

func Register(kind Kind, factory Factory) error {
	if kind == "" {
		return errors.New("sampler kind is required")
	}
	if factory == nil {
		return errors.New("sampler factory is required")
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

func New(kind Kind) (Sampler, error) {
	registry.mu.RLock()
	factory, ok := registry.m[kind]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return factory(), nil
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

// validate checks the request and returns the inpainting pair, substituting
// an all-zero mask when nothing is pinned.
func (r Request) validate() (target, mask *tensor.Seq, err error) {
	if r.Model == nil {
		return nil, nil, errors.New("sampler model is required")
	}
	if r.Noise == nil {
		return nil, nil, fmt.Errorf("%w: noise is required", ErrShapeMismatch)
	}
	if r.Schedule == nil {
		return nil, nil, fmt.Errorf("%w: schedule is required", ErrSchedule)
	}
	if r.Rand == nil {
		return nil, nil, errors.New("sampler random source is required")
	}
	target, mask = r.Cond.Target, r.Cond.Mask
	switch {
	case target == nil && mask == nil:
		return tensor.Like(r.Noise), tensor.Like(r.Noise), nil
	case target == nil || mask == nil:
		return nil, nil, fmt.Errorf("%w: target and mask must be given together", ErrShapeMismatch)
	}
	if !r.Noise.SameShape(target) || !r.Noise.SameShape(mask) {
		return nil, nil, fmt.Errorf("%w: noise %v target %v mask %v",
			ErrShapeMismatch, r.Noise.Shape(), target.Shape(), mask.Shape())
	}
	return target, mask, nil
}

func (r Request) denoise(x *tensor.Seq, level float64) (*tensor.Seq, error) {
	sigma := make([]float64, x.B)
	for i := range sigma {
		sigma[i] = level
	}
	out, err := r.Model.Denoise(x, sigma, r.Cond)
	if err != nil {
		return nil, err
	}
	if !out.SameShape(x) {
		return nil, fmt.Errorf("%w: model returned %v for input %v", ErrShapeMismatch, out.Shape(), x.Shape())
	}
	return out, nil
}
