package env

import (
	"context"
	"errors"
)

// RolloutStats summarises completed episodes of a closed-loop rollout.
type RolloutStats struct {
	Steps          int     `json:"steps"`
	Episodes       int     `json:"episodes"`
	MeanReward     float64 `json:"mean_reward"`
	MeanLength     float64 `json:"mean_length"`
	MeanStepReward float64 `json:"mean_step_reward"`
}

// Rollout resets env and ctrl, then runs steps lockstep steps. Episode
// returns and lengths are averaged over episodes that finished within the
// rollout.
func Rollout(ctx context.Context, vec VecEnv, ctrl Controller, steps int) (RolloutStats, error) {
	if steps < 1 {
		return RolloutStats{}, errors.New("rollout needs at least one step")
	}
	n := vec.NumEnvs()
	obs := vec.Reset()
	all := make([]bool, n)
	for i := range all {
		all[i] = true
	}
	if err := ctrl.Reset(all); err != nil {
		return RolloutStats{}, err
	}

	episodeReward := make([]float64, n)
	episodeLen := make([]int, n)
	var (
		stats       RolloutStats
		totalReturn float64
		totalLen    int
		stepReward  float64
	)
	for t := 0; t < steps; t++ {
		if err := ctx.Err(); err != nil {
			return RolloutStats{}, err
		}
		actions, err := ctrl.Act(ctx, obs)
		if err != nil {
			return RolloutStats{}, err
		}
		next, rewards, dones, err := vec.Step(actions)
		if err != nil {
			return RolloutStats{}, err
		}
		for i := 0; i < n; i++ {
			episodeReward[i] += rewards[i]
			episodeLen[i]++
			stepReward += rewards[i]
			if dones[i] {
				stats.Episodes++
				totalReturn += episodeReward[i]
				totalLen += episodeLen[i]
				episodeReward[i], episodeLen[i] = 0, 0
			}
		}
		if err := ctrl.Reset(dones); err != nil {
			return RolloutStats{}, err
		}
		obs = next
	}

	stats.Steps = steps
	stats.MeanStepReward = stepReward / float64(steps*n)
	if stats.Episodes > 0 {
		stats.MeanReward = totalReturn / float64(stats.Episodes)
		stats.MeanLength = float64(totalLen) / float64(stats.Episodes)
	}
	return stats, nil
}
