package minimizer

import (
	"context"
	"log/slog"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Nelder-Mead coefficients.
const (
	reflectCoeff  = 1.0
	expandCoeff   = 2.0
	contractCoeff = 0.5
	shrinkCoeff   = 0.5

	// Beyond this ratio of step sizes orthogonalization loses all precision.
	maxScaleRatio = 1e16
)

// run holds the state of one single minimization (one worker of one round).
type run struct {
	m          *Minimizer
	ctx        context.Context
	rng        *rand.Rand
	n          int
	budget     int
	iter       int
	variations []float64
	simp       []Vertex
}

// minimizeOnce builds a simplex at start, descends, and re-initializes around
// the best vertex until two consecutive descents agree.
func (m *Minimizer) minimizeOnce(ctx context.Context, round, worker int, seed int64, budget int, start, variations []float64) outcome {
	r := &run{
		m:          m,
		ctx:        ctx,
		rng:        rand.New(rand.NewSource(seed)),
		n:          m.numParams,
		budget:     budget,
		variations: variations,
		simp:       make([]Vertex, m.numParams+1),
	}
	o := outcome{round: round, worker: worker}

	if !r.initialize(start) {
		o.status = InitializationFailure
		if r.cancelled() && r.simp[0].Params != nil {
			o.best = r.simp[0].clone()
			o.status = Aborted
		}
		return o
	}

	status, _ := r.descend()
	for status == Success {
		prev := r.simp[r.bestIndex()].clone()
		if !r.reinitialize() {
			status = ReinitializationFailure
			if r.cancelled() {
				status = Aborted
			}
			break
		}
		var capped bool
		status, capped = r.descend()
		cur := r.simp[r.bestIndex()]
		// A capped descent has not converged and never ends the loop.
		if status == Success && !capped && (m.agree(cur.Value, prev.Value, reinitSensitivity) || m.withinResolution(cur.Params, prev.Params)) {
			break
		}
	}

	o.best = r.simp[r.bestIndex()].clone()
	o.status = status
	o.iter = r.iter
	return o
}

func (r *run) cancelled() bool {
	return r.ctx.Err() != nil || r.m.aborted.Load()
}

func (r *run) eval(p []float64) Vertex {
	return Vertex{Params: p, Value: r.m.objective(p)}
}

// initialize places vertex 0 at start, perturbing it when the objective is
// NaN there, and builds the remaining vertices around it.
func (r *run) initialize(start []float64) bool {
	p := make([]float64, r.n)
	copy(p, start)
	v := r.eval(p)

	if isNaN(v.Value) {
		attempts := 50 * r.n * r.n
		for k := 0; k < attempts && isNaN(v.Value); k++ {
			if r.cancelled() {
				return false
			}
			scale := 1e-10 * math.Pow(10, 20*float64(k)/float64(attempts))
			p = make([]float64, r.n)
			for i := range p {
				p[i] = start[i] + scale*(2*r.rng.Float64()-1)*r.variations[i]
			}
			v = r.eval(p)
		}
		if isNaN(v.Value) {
			return false
		}
	}

	r.simp[0] = v
	return r.buildVertices(r.variations)
}

// buildVertices replaces vertices 1..n by random points around vertex 0.
// Each new direction is orthogonalized against the already placed ones in
// coordinates scaled by the variations.
func (r *run) buildVertices(variations []float64) bool {
	center := r.simp[0].Params
	skipOrtho := scaleRatio(variations) > maxScaleRatio
	maxAttempts := 100 * r.n

	dir := make([]float64, r.n)
	other := make([]float64, r.n)
	for k := 1; k <= r.n; k++ {
		placed := false
		for attempt := 0; attempt < maxAttempts && !placed; attempt++ {
			if r.cancelled() {
				return false
			}
			for i := range dir {
				dir[i] = 2*r.rng.Float64() - 1
			}
			if !skipOrtho && attempt < r.n {
				for j := 1; j < k; j++ {
					for i := range other {
						other[i] = (r.simp[j].Params[i] - center[i]) / variations[i]
					}
					norm2 := floats.Dot(other, other)
					if norm2 > 0 {
						floats.AddScaled(dir, -floats.Dot(dir, other)/norm2, other)
					}
				}
			}
			norm := floats.Norm(dir, 2)
			if norm == 0 || isNaN(norm) {
				continue
			}
			length := 0.1 + 0.9*r.rng.Float64()
			p := make([]float64, r.n)
			for i := range p {
				p[i] = center[i] + dir[i]/norm*length*variations[i]
			}
			v := r.eval(p)
			if isNaN(v.Value) {
				continue
			}
			r.simp[k] = v
			placed = true
		}
		if !placed {
			return false
		}
	}
	return true
}

// reinitialize rebuilds the simplex around its best vertex with step sizes
// taken from the spread of the current simplex.
func (r *run) reinitialize() bool {
	b := r.bestIndex()
	bestV := r.simp[b].clone()
	variations := make([]float64, r.n)
	for i := range variations {
		spread := 0.0
		for _, v := range r.simp {
			spread = math.Max(spread, math.Abs(v.Params[i]-bestV.Params[i]))
		}
		variations[i] = 10 * spread
		if floor := 1e-3 * r.variations[i]; variations[i] < floor || isNaN(variations[i]) {
			variations[i] = floor
		}
	}
	r.simp[0] = bestV
	return r.buildVertices(variations)
}

// descend runs Nelder-Mead steps until convergence, the per-call cap, the
// budget or cancellation. Hitting the per-call cap gives Success with capped
// set; the caller re-initializes and descends again.
func (r *run) descend() (status Status, capped bool) {
	perCallCap := 4 * (r.m.maxIter / 10)
	thisIter := 0
	for {
		if r.cancelled() {
			return Aborted, false
		}
		best, worst, next := r.order()
		if r.converged(best, worst) {
			r.tryCentroid(best, worst)
			return Success, false
		}
		if r.iter >= r.budget {
			return MaxIterationsExceeded, false
		}
		if thisIter > perCallCap {
			slog.Debug("Simplex descent capped", "steps", thisIter, "value", r.simp[best].Value)
			return Success, true
		}
		r.iter++
		thisIter++
		r.step(best, worst, next)
	}
}

// order finds the best, worst and next-worst vertex in one pass each,
// first found winning ties. NaN values count as worse than anything.
func (r *run) order() (best, worst, next int) {
	best = r.bestIndex()
	worst = -1
	for i, v := range r.simp {
		if i == best {
			continue
		}
		if worst < 0 || worse(v.Value, r.simp[worst].Value) {
			worst = i
		}
	}
	next = -1
	for i, v := range r.simp {
		if i == best || i == worst {
			continue
		}
		if next < 0 || worse(v.Value, r.simp[next].Value) {
			next = i
		}
	}
	if next < 0 {
		next = best
	}
	return best, worst, next
}

func (r *run) bestIndex() int {
	best := 0
	for i, v := range r.simp {
		if worse(r.simp[best].Value, v.Value) {
			best = i
		}
	}
	return best
}

func (r *run) converged(best, worst int) bool {
	if r.m.agree(r.simp[worst].Value, r.simp[best].Value, convergenceSensitivity) {
		return true
	}
	res := r.m.paramResolutions
	if len(res) < r.n {
		return false
	}
	bp := r.simp[best].Params
	for _, v := range r.simp {
		for i := range bp {
			if math.Abs(v.Params[i]-bp[i]) > res[i] {
				return false
			}
		}
	}
	return true
}

// tryCentroid replaces the worst vertex by the centroid of the others if
// that is an improvement over the best one.
func (r *run) tryCentroid(best, worst int) {
	c := r.eval(r.centroid(worst))
	if c.Value < r.simp[best].Value {
		r.simp[worst] = c
	}
}

func (r *run) centroid(exclude int) []float64 {
	c := make([]float64, r.n)
	for i, v := range r.simp {
		if i != exclude {
			floats.Add(c, v.Params)
		}
	}
	floats.Scale(1/float64(r.n), c)
	return c
}

// towards returns c + coeff*(p - c).
func towards(c, p []float64, coeff float64) []float64 {
	out := make([]float64, len(c))
	floats.SubTo(out, p, c)
	floats.Scale(coeff, out)
	floats.Add(out, c)
	return out
}

func (r *run) step(best, worst, next int) {
	c := r.centroid(worst)
	w := r.simp[worst]

	refl := r.eval(towards(c, w.Params, -reflectCoeff))
	switch {
	case refl.Value < r.simp[best].Value:
		exp := r.eval(towards(c, w.Params, -expandCoeff))
		if exp.Value < refl.Value {
			r.simp[worst] = exp
		} else {
			r.simp[worst] = refl
		}
		return
	case refl.Value < r.simp[next].Value:
		r.simp[worst] = refl
		return
	}

	if refl.Value <= w.Value {
		outer := r.eval(towards(c, refl.Params, contractCoeff))
		if outer.Value <= refl.Value {
			r.simp[worst] = outer
			return
		}
	} else {
		inner := r.eval(towards(c, w.Params, contractCoeff))
		if inner.Value < w.Value {
			r.simp[worst] = inner
			return
		}
	}
	r.shrink(best)
}

func (r *run) shrink(best int) {
	bp := r.simp[best].Params
	for i := range r.simp {
		if i == best {
			continue
		}
		r.simp[i] = r.eval(towards(bp, r.simp[i].Params, shrinkCoeff))
	}
}

// worse reports whether a is a worse objective value than b.
func worse(a, b float64) bool {
	if isNaN(a) {
		return !isNaN(b)
	}
	return a > b
}

func scaleRatio(v []float64) float64 {
	lo, hi := math.Inf(1), 0.0
	for _, x := range v {
		x = math.Abs(x)
		if x == 0 {
			continue
		}
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if hi == 0 {
		return 1
	}
	return hi / lo
}
