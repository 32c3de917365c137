package schedule

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"locodiff/internal/tensor"
)

func assertStrictlyDecreasing(t *testing.T, levels []float64) {
	t.Helper()
	for i := 1; i < len(levels); i++ {
		if !(levels[i] < levels[i-1]) {
			t.Fatalf("levels not strictly decreasing at %d: %v >= %v", i, levels[i], levels[i-1])
		}
	}
}

func TestContinuousLevels(t *testing.T) {
	for _, kind := range []Kind{KindExponential, KindLinear} {
		t.Run(string(kind), func(t *testing.T) {
			s, err := New(kind, Params{Steps: 10, SigmaMin: 0.002, SigmaMax: 80})
			if err != nil {
				t.Fatalf("new schedule: %v", err)
			}
			levels := s.Levels()
			if len(levels) != 11 {
				t.Fatalf("expected steps+1 levels, got %d", len(levels))
			}
			if levels[0] != 80 {
				t.Fatalf("expected first level sigma_max, got %v", levels[0])
			}
			if math.Abs(levels[9]-0.002) > 1e-12 {
				t.Fatalf("expected last non-zero level sigma_min, got %v", levels[9])
			}
			if levels[10] != 0 {
				t.Fatalf("expected terminal 0, got %v", levels[10])
			}
			assertStrictlyDecreasing(t, levels)
		})
	}
}

func TestExponentialSigmasAreGeometric(t *testing.T) {
	levels := ExponentialSigmas(5, 1, 16)
	for i := 1; i < 5; i++ {
		ratio := levels[i-1] / levels[i]
		if math.Abs(ratio-2) > 1e-9 {
			t.Fatalf("expected constant ratio 2, got %v at %d", ratio, i)
		}
	}
}

func TestContinuousRejectsBadBounds(t *testing.T) {
	if _, err := NewContinuous(KindExponential, 5, 1, 0.5); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if _, err := NewContinuous(KindExponential, 0, 0.1, 1); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for zero steps, got %v", err)
	}
	if _, err := NewContinuous(KindSquaredCos, 5, 0.1, 1); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestDiscreteLevels(t *testing.T) {
	for _, kind := range []Kind{KindSquaredCos, KindBetaLinear, KindScaledLinear} {
		t.Run(string(kind), func(t *testing.T) {
			s, err := New(kind, Params{Steps: 20})
			if err != nil {
				t.Fatalf("new schedule: %v", err)
			}
			levels := s.Levels()
			if len(levels) != 21 {
				t.Fatalf("expected 21 levels, got %d", len(levels))
			}
			if levels[20] != 0 {
				t.Fatalf("expected terminal 0, got %v", levels[20])
			}
			assertStrictlyDecreasing(t, levels)
		})
	}
}

func TestDiscreteTimestepsDescending(t *testing.T) {
	s, err := NewDiscrete(KindSquaredCos, 4)
	if err != nil {
		t.Fatalf("new discrete: %v", err)
	}
	got := s.Timesteps()
	want := []int{3, 2, 1, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("timesteps: got=%v want=%v", got, want)
		}
	}
}

func TestDiscreteAddNoise(t *testing.T) {
	s, err := NewDiscrete(KindBetaLinear, 10)
	if err != nil {
		t.Fatalf("new discrete: %v", err)
	}
	x := tensor.New(2, 1, 1)
	x.Fill(1)
	noise := tensor.New(2, 1, 1)
	noise.Fill(2)

	out, err := s.AddNoise(x, noise, []int{0, 9})
	if err != nil {
		t.Fatalf("add noise: %v", err)
	}
	for b, ts := range []int{0, 9} {
		a := s.AlphaCumprod(ts)
		want := math.Sqrt(a) + 2*math.Sqrt(1-a)
		if math.Abs(out.Data[b]-want) > 1e-12 {
			t.Fatalf("batch %d: got=%v want=%v", b, out.Data[b], want)
		}
	}

	if _, err := s.AddNoise(x, noise, []int{0}); !errors.Is(err, tensor.ErrShape) {
		t.Fatalf("expected shape error, got %v", err)
	}
}

func TestDiscreteStepRecoversCleanSampleAtZero(t *testing.T) {
	s, err := NewDiscrete(KindSquaredCos, 50)
	if err != nil {
		t.Fatalf("new discrete: %v", err)
	}
	rng := rand.New(rand.NewSource(1))
	clean := tensor.New(1, 3, 1)
	clean.Data[0], clean.Data[1], clean.Data[2] = -0.5, 0.1, 0.75
	noise := tensor.Randn(1, 3, 1, rng)

	noisy, err := s.AddNoise(clean, noise, []int{0})
	if err != nil {
		t.Fatalf("add noise: %v", err)
	}
	// With the exact noise at t=0 the posterior mean is the clean sample.
	out, err := s.Step(noise, 0, noisy, rng)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	for i := range clean.Data {
		if math.Abs(out.Data[i]-clean.Data[i]) > 1e-9 {
			t.Fatalf("index %d: got=%v want=%v", i, out.Data[i], clean.Data[i])
		}
	}
}

func TestLogLogisticStaysInBounds(t *testing.T) {
	d := LogLogistic{Loc: math.Log(0.5), Scale: 0.5, Min: 0.002, Max: 80}
	if err := d.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	samples := d.Sample(rand.New(rand.NewSource(7)), 5000)
	below := 0
	for _, s := range samples {
		if s < d.Min*(1-1e-9) || s > d.Max*(1+1e-9) {
			t.Fatalf("sample %v outside [%v, %v]", s, d.Min, d.Max)
		}
		if s < 0.5 {
			below++
		}
	}
	// The median of the untruncated density is exp(loc).
	frac := float64(below) / float64(len(samples))
	if frac < 0.45 || frac > 0.55 {
		t.Fatalf("expected roughly half the mass below sigma_data, got %v", frac)
	}
}

func TestRegistry(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	if _, err := New(Kind("cosine"), Params{Steps: 3}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if err := Register(KindExponential, func(Params) (Schedule, error) { return nil, nil }); !errors.Is(err, ErrKindExists) {
		t.Fatalf("expected ErrKindExists, got %v", err)
	}
	if len(Kinds()) != 5 {
		t.Fatalf("expected 5 built-in kinds, got %v", Kinds())
	}
}
