package stats

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"locodiff/internal/model"
)

// RunSummary condenses a run's histories.
type RunSummary struct {
	Iterations int     `json:"iterations"`
	FinalLoss  float64 `json:"final_loss"`
	// TailLoss is the mean loss over the last TailWindow points.
	TailLoss     float64  `json:"tail_loss"`
	MinLoss      float64  `json:"min_loss"`
	BestTestLoss *float64 `json:"best_test_loss,omitempty"`
	LastReward   *float64 `json:"last_reward,omitempty"`
}

const TailWindow = 10

func Summarize(losses []model.LossPoint, evals []model.EvalPoint) RunSummary {
	var s RunSummary
	if len(losses) > 0 {
		values := make([]float64, len(losses))
		for i, p := range losses {
			values[i] = p.Loss
		}
		s.Iterations = losses[len(losses)-1].Iteration + 1
		s.FinalLoss = values[len(values)-1]
		s.MinLoss = floats.Min(values)
		s.TailLoss = stat.Mean(values[max(0, len(values)-TailWindow):], nil)
	}

	best := math.Inf(1)
	for _, e := range evals {
		if e.TestLoss != nil && *e.TestLoss < best {
			best = *e.TestLoss
		}
		if e.MeanReward != nil {
			reward := *e.MeanReward
			s.LastReward = &reward
		}
	}
	if !math.IsInf(best, 1) {
		s.BestTestLoss = &best
	}
	return s
}
