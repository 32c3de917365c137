package env

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"locodiff/internal/dataset"
)

// Expert is a proportional-derivative controller for CartPole with optional
// Gaussian action noise, used to record demonstrations.
type Expert struct {
	KPos  float64
	KVel  float64
	Noise float64
	Rand  *rand.Rand
}

func NewExpert(noise float64, seed int64) *Expert {
	return &Expert{KPos: 1.2, KVel: 1.6, Noise: noise, Rand: rand.New(rand.NewSource(seed))}
}

func (e *Expert) Act(_ context.Context, obs [][]float64) ([][]float64, error) {
	out := make([][]float64, len(obs))
	for i, o := range obs {
		force := -e.KPos*o[0] - e.KVel*o[1]
		if e.Noise > 0 {
			force += e.Noise * e.Rand.NormFloat64()
		}
		out[i] = []float64{math.Max(-1, math.Min(1, force))}
	}
	return out, nil
}

func (e *Expert) Reset([]bool) error { return nil }

// Record runs ctrl on env for steps and stores the transitions as a
// time-major archive: obs and actions are [steps, envs, dim] and
// first_steps flags the first step of every episode.
func Record(ctx context.Context, vec VecEnv, ctrl Controller, steps int) (*dataset.Archive, error) {
	if steps < 1 {
		return nil, errors.New("record needs at least one step")
	}
	n, obsDim, actDim := vec.NumEnvs(), vec.ObsDim(), vec.ActDim()
	obsData := make([]float64, 0, steps*n*obsDim)
	actData := make([]float64, 0, steps*n*actDim)
	firstData := make([]float64, 0, steps*n)

	obs := vec.Reset()
	first := make([]bool, n)
	for i := range first {
		first[i] = true
	}
	for t := 0; t < steps; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		actions, err := ctrl.Act(ctx, obs)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			obsData = append(obsData, obs[i]...)
			actData = append(actData, actions[i]...)
			if first[i] {
				firstData = append(firstData, 1)
			} else {
				firstData = append(firstData, 0)
			}
		}
		next, _, dones, err := vec.Step(actions)
		if err != nil {
			return nil, err
		}
		if err := ctrl.Reset(dones); err != nil {
			return nil, err
		}
		obs, first = next, dones
	}

	archive := dataset.NewArchive()
	for name, arr := range map[string]dataset.Array{
		dataset.KeyObs:        {Shape: []int{steps, n, obsDim}, Data: obsData},
		dataset.KeyActions:    {Shape: []int{steps, n, actDim}, Data: actData},
		dataset.KeyFirstSteps: {Shape: []int{steps, n}, Data: firstData},
	} {
		if err := archive.Put(name, arr); err != nil {
			return nil, err
		}
	}
	return archive, nil
}
