package opt

import (
	"log/slog"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MayflyAdapter wraps the Mayfly algorithm to conform to our Optimizer interface
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a new Mayfly optimizer adapter. The population size must
// be at least 20.
func NewMayfly(maxIters, popSize int, seed int64) Optimizer {
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// Run executes the Mayfly optimization. The library takes scalar bounds, so
// the box is given by the first dimension; callers normalize their
// parameters to a common range. NaN costs are treated as +Inf.
func (m *MayflyAdapter) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64) {
	objective := func(p []float64) float64 {
		v := eval(p)
		if math.IsNaN(v) {
			return math.Inf(1)
		}
		return v
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = objective
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = lower[0]
	config.UpperBound = upper[0]
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		slog.Warn("Mayfly optimization failed, using box center", "error", err)
		center := make([]float64, dim)
		for i := range center {
			center[i] = 0.5 * (lower[i] + upper[i])
		}
		return center, objective(center)
	}

	return result.GlobalBest.Position, result.GlobalBest.Cost
}
