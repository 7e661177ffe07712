package fit

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// sseFloorFactor bounds the reported residual sum from below, relative to the
// sum of squares of the data, so that cancellation cannot produce a negative
// or unrealistically small value.
const sseFloorFactor = 2e-15

// evalFunc evaluates a fit function with the full parameter vector.
type evalFunc func(p []float64, x float64) float64

// eliminator turns a fit function into a minimizer objective over the
// parameters that are not solved by linear regression. The offset parameter
// is purely additive; the factor parameter either multiplies the function or,
// when slope is set, multiplies x in an additive term.
type eliminator struct {
	x, y      []float64
	eval      evalFunc
	numParams int
	offset    int
	factor    int
	slope     bool

	free      []int // full indices of the simplex parameters
	reference float64
}

func newEliminator(x, y []float64, eval evalFunc, numParams, offset, factor int, slope bool) *eliminator {
	e := &eliminator{
		x:         x,
		y:         y,
		eval:      eval,
		numParams: numParams,
		offset:    offset,
		factor:    factor,
		slope:     slope && factor >= 0,
	}
	if e.offset >= numParams {
		e.offset = -1
	}
	if e.factor >= numParams || e.factor == e.offset {
		e.factor = -1
		e.slope = false
	}
	for i := 0; i < numParams; i++ {
		if i != e.offset && i != e.factor {
			e.free = append(e.free, i)
		}
	}

	if e.offset >= 0 {
		mean := stat.Mean(y, nil)
		for _, v := range y {
			e.reference += (v - mean) * (v - mean)
		}
	} else {
		e.reference = floats.Dot(y, y)
	}
	return e
}

func (e *eliminator) numFree() int { return len(e.free) }

func (e *eliminator) numEliminated() int { return e.numParams - len(e.free) }

// reduce picks the simplex parameters out of a full vector.
func (e *eliminator) reduce(full []float64) []float64 {
	if full == nil {
		return nil
	}
	out := make([]float64, len(e.free))
	for k, i := range e.free {
		if i < len(full) {
			out[k] = full[i]
		}
	}
	return out
}

// expand builds a full vector with the eliminated parameters at their
// neutral values.
func (e *eliminator) expand(reduced []float64) []float64 {
	full := make([]float64, e.numParams)
	for k, i := range e.free {
		full[i] = reduced[k]
	}
	if e.factor >= 0 && !e.slope {
		full[e.factor] = 1
	}
	return full
}

// objective is the function handed to the minimizer.
func (e *eliminator) objective(reduced []float64) float64 {
	_, sse := e.solve(reduced)
	return sse
}

// solve computes the eliminated parameters by least squares and returns the
// full parameter vector with its residual sum of squares. Without eliminated
// parameters it just evaluates the residuals.
func (e *eliminator) solve(reduced []float64) ([]float64, float64) {
	full := e.expand(reduced)
	if e.numEliminated() == 0 {
		return full, e.residualSum(full)
	}

	n := float64(len(e.x))
	// g is the function with the offset and slope terms removed, or the
	// unit-factor function when the factor is multiplicative.
	var sumG, sumG2, sumY, sumGY float64
	var sumX, sumX2, sumXY float64
	for i, xi := range e.x {
		g := e.eval(full, xi)
		if math.IsNaN(g) {
			return full, math.NaN()
		}
		yi := e.y[i]
		if e.slope {
			// regress y-g on x
			r := yi - g
			sumX += xi
			sumX2 += xi * xi
			sumXY += xi * r
			sumY += r
			continue
		}
		sumG += g
		sumG2 += g * g
		sumY += yi
		sumGY += g * yi
	}

	switch {
	case e.slope && e.offset >= 0:
		den := sumX2 - sumX*sumX/n
		slope := 0.0
		if den > 0 {
			slope = (sumXY - sumX*sumY/n) / den
		}
		full[e.factor] = slope
		full[e.offset] = (sumY - slope*sumX) / n
	case e.slope:
		if sumX2 > 0 {
			full[e.factor] = sumXY / sumX2
		}
	case e.offset >= 0 && e.factor >= 0:
		den := sumG2 - sumG*sumG/n
		factor := 0.0
		if den > 0 {
			factor = (sumGY - sumG*sumY/n) / den
		}
		full[e.factor] = factor
		full[e.offset] = (sumY - factor*sumG) / n
	case e.offset >= 0:
		full[e.offset] = (sumY - sumG) / n
	default:
		factor := 0.0
		if sumG2 > 0 {
			factor = sumGY / sumG2
		}
		full[e.factor] = factor
	}

	// The sums above suffer from cancellation; take the residuals directly.
	sse := e.residualSum(full)
	if floor := sseFloorFactor * e.reference; sse < floor {
		sse = floor
	}
	return full, sse
}

func (e *eliminator) residualSum(full []float64) float64 {
	return residualSum(e.eval, full, e.x, e.y)
}

func residualSum(eval evalFunc, p, x, y []float64) float64 {
	sum := 0.0
	for i, xi := range x {
		d := y[i] - eval(p, xi)
		sum += d * d
	}
	return sum
}
