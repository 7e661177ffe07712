// Package opt provides global optimizers used to find a starting point for
// the simplex when no good initial parameters are known.
package opt

// Optimizer defines a bounded global optimization algorithm.
type Optimizer interface {
	// Run minimizes eval over the box [lower, upper] of dimension dim and
	// returns the best parameters with their cost.
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64)
}
