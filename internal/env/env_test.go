package env

import (
	"context"
	"errors"
	"math"
	"testing"

	"locodiff/internal/dataset"
)

func TestCartPoleStepClampsForce(t *testing.T) {
	x1, v1, _ := cartPoleStep(0, 0, 5)
	x2, v2, _ := cartPoleStep(0, 0, 1)
	if x1 != x2 || v1 != v2 {
		t.Fatalf("force above the limit must clamp: (%v,%v) vs (%v,%v)", x1, v1, x2, v2)
	}
	x, v, reward := cartPoleStep(0, 0, 1)
	if math.Abs(v-0.125) > 1e-12 || math.Abs(x-0.0125) > 1e-12 {
		t.Fatalf("unexpected step result x=%v v=%v", x, v)
	}
	if reward <= 0.99 {
		t.Fatalf("expected near-full reward at the origin, got %v", reward)
	}
}

func TestExpertBalancesCartPole(t *testing.T) {
	vec, err := NewCartPole(4, "test", 1)
	if err != nil {
		t.Fatalf("new cart-pole: %v", err)
	}
	stats, err := Rollout(context.Background(), vec, NewExpert(0, 2), 200)
	if err != nil {
		t.Fatalf("rollout: %v", err)
	}
	if stats.Episodes == 0 {
		t.Fatal("expected step-limited episodes to complete")
	}
	if stats.MeanLength != 48 {
		t.Fatalf("expert should survive every episode, mean length %v", stats.MeanLength)
	}
	if stats.MeanStepReward <= 0.7 {
		t.Fatalf("expected mean step reward > 0.7, got %v", stats.MeanStepReward)
	}
}

// pusher drives the cart off the track as fast as possible.
type pusher struct{ resets int }

func (p *pusher) Act(_ context.Context, obs [][]float64) ([][]float64, error) {
	out := make([][]float64, len(obs))
	for i := range out {
		out[i] = []float64{1}
	}
	return out, nil
}

func (p *pusher) Reset(dones []bool) error {
	for _, d := range dones {
		if d {
			p.resets++
		}
	}
	return nil
}

func TestEpisodesTerminateOffTrack(t *testing.T) {
	vec, _ := NewCartPole(2, "train", 3)
	ctrl := &pusher{}
	stats, err := Rollout(context.Background(), vec, ctrl, 120)
	if err != nil {
		t.Fatalf("rollout: %v", err)
	}
	if stats.Episodes == 0 || stats.MeanLength >= 60 {
		t.Fatalf("expected early terminations, got %+v", stats)
	}
	// The initial reset marks both instances.
	if ctrl.resets != stats.Episodes+2 {
		t.Fatalf("controller resets %d, episodes %d", ctrl.resets, stats.Episodes)
	}
}

func TestRecordWritesTimeMajorArchive(t *testing.T) {
	vec, _ := NewCartPole(3, "train", 5)
	archive, err := Record(context.Background(), vec, NewExpert(0.1, 6), 130)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	obs, err := archive.Get(dataset.KeyObs)
	if err != nil {
		t.Fatalf("obs: %v", err)
	}
	if obs.Shape[0] != 130 || obs.Shape[1] != 3 || obs.Shape[2] != 2 {
		t.Fatalf("unexpected obs shape %v", obs.Shape)
	}

	ds, err := dataset.New(archive, dataset.Config{TCond: 2, T: 4, TrainFraction: 0.8})
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	// 130 steps of 60-step episodes: two full and one partial per env.
	if ds.NumEpisodes() != 9 || ds.MaxLen() != 60 {
		t.Fatalf("unexpected episodes: n=%d max=%d", ds.NumEpisodes(), ds.MaxLen())
	}
}

func TestStepRejectsBadActions(t *testing.T) {
	vec, _ := NewCartPole(2, "", 1)
	if _, _, _, err := vec.Step([][]float64{{0}}); !errors.Is(err, ErrActionShape) {
		t.Fatalf("expected ErrActionShape, got %v", err)
	}
	if _, err := NewCartPole(1, "sideways", 1); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}
