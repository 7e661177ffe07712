package fit

import (
	"log/slog"
	"math"

	"github.com/cwbudde/curvefit/internal/opt"
)

// presearchSpan is the half width of the pre-search box in units of the
// initial parameter variations.
const presearchSpan = 10

// Bounds is a box in parameter space.
type Bounds struct {
	Lower []float64
	Upper []float64
}

// NewSearchBounds creates the box center ± presearchSpan*variations.
func NewSearchBounds(center, variations []float64) *Bounds {
	lower := make([]float64, len(center))
	upper := make([]float64, len(center))
	for i, c := range center {
		half := 1.0
		if i < len(variations) && variations[i] > 0 {
			half = presearchSpan * variations[i]
		}
		lower[i] = c - half
		upper[i] = c + half
	}
	return &Bounds{Lower: lower, Upper: upper}
}

// FromUnit maps a point of the unit cube into the box.
func (b *Bounds) FromUnit(u []float64) []float64 {
	p := make([]float64, len(b.Lower))
	for i := range p {
		p[i] = b.Lower[i] + clamp(u[i], 0, 1)*(b.Upper[i]-b.Lower[i])
	}
	return p
}

// ClampVector clamps all parameters in a vector
func (b *Bounds) ClampVector(data []float64) {
	for i := range data {
		data[i] = clamp(data[i], b.Lower[i], b.Upper[i])
	}
}

func clamp(val, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, val))
}

// preSearch runs a global optimizer over the normalized box around center and
// returns the better of its result and center.
func preSearch(o opt.Optimizer, objective func([]float64) float64, center, variations []float64) []float64 {
	dim := len(center)
	bounds := NewSearchBounds(center, variations)
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := range upper {
		upper[i] = 1
	}

	initialCost := objective(center)
	slog.Info("Starting pre-search", "dim", dim, "initial_cost", initialCost)

	best, bestCost := o.Run(func(u []float64) float64 {
		return objective(bounds.FromUnit(u))
	}, lower, upper, dim)

	slog.Info("Pre-search complete", "initial_cost", initialCost, "best_cost", bestCost)

	if len(best) != dim || math.IsNaN(bestCost) || math.IsInf(bestCost, 0) {
		return center
	}
	if !math.IsNaN(initialCost) && bestCost >= initialCost {
		return center
	}
	p := bounds.FromUnit(best)
	bounds.ClampVector(p)
	return p
}
