// Package minimizer implements a derivative-free Nelder-Mead simplex search
// with simplex re-initialization and restarts that vote on the result.
//
// A Minimize call runs rounds of independent minimizations, two in parallel
// per round unless restricted to a single goroutine. The search stops with
// Success as soon as two results agree within the error limit. Every single
// minimization itself re-initializes its simplex around the best vertex
// until two consecutive passes agree, which guards against a collapsed
// simplex stalling on a slope.
package minimizer

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Objective is the function to minimize. It must return NaN for parameters
// outside its domain, must not modify params, and must be safe for
// concurrent use unless the Minimizer runs single-threaded.
type Objective func(params []float64) float64

// Vertex is a point of the simplex together with its objective value.
type Vertex struct {
	Params []float64
	Value  float64
}

func (v Vertex) clone() Vertex {
	p := make([]float64, len(v.Params))
	copy(p, v.Params)
	return Vertex{Params: p, Value: v.Value}
}

// Progress is reported after every finished single minimization.
type Progress struct {
	Round      int
	Worker     int
	Status     Status
	Value      float64
	Iterations int // total iterations of the Minimize call so far
}

const (
	// secondWorkerSeedOffset separates the random streams of the two workers of a round.
	secondWorkerSeedOffset = 1_000_000

	convergenceSensitivity = 4
	reinitSensitivity      = 2
	resultSensitivity      = 1
)

// Minimizer finds the minimum of an Objective of a fixed number of parameters.
type Minimizer struct {
	objective        Objective
	numParams        int
	maxIter          int
	maxRestarts      int
	maxRelError      float64
	maxAbsError      float64
	paramResolutions []float64
	seed             int64
	singleThread     bool
	progress         func(Progress)

	mu      sync.Mutex
	cancel  context.CancelFunc
	aborted atomic.Bool

	result     Vertex
	status     Status
	iterations int
	completed  int
}

// New creates a Minimizer for an objective of numParams parameters.
func New(objective Objective, numParams int) *Minimizer {
	m := &Minimizer{
		objective:   objective,
		numParams:   numParams,
		maxIter:     1000 * numParams * numParams,
		maxRestarts: 2,
		maxRelError: 1e-10,
		maxAbsError: 1e-100,
		seed:        1,
	}
	if m.maxIter == 0 {
		m.maxIter = 1000
	}
	m.result = m.nanVertex()
	return m
}

// SetMaxIterations sets the iteration budget shared by all restarts. Each
// worker of a round starts with the budget left at the start of the round,
// so the two workers together may use up to twice the remaining budget.
func (m *Minimizer) SetMaxIterations(n int) {
	if n > 0 {
		m.maxIter = n
	}
}

// MaxIterations returns the iteration budget.
func (m *Minimizer) MaxIterations() int { return m.maxIter }

// SetMaxRestarts sets the number of additional rounds after the first.
// With zero restarts a single minimization is run and its result accepted.
func (m *Minimizer) SetMaxRestarts(n int) {
	if n >= 0 {
		m.maxRestarts = n
	}
}

// SetMaxError sets the relative and absolute error limits on the objective value.
func (m *Minimizer) SetMaxError(relError, absError float64) {
	m.maxRelError = relError
	m.maxAbsError = absError
}

// SetParamResolutions sets per-parameter resolutions; the search of a simplex
// stops once all vertices lie within these distances of the best vertex.
func (m *Minimizer) SetParamResolutions(res []float64) {
	if res == nil {
		m.paramResolutions = nil
		return
	}
	m.paramResolutions = make([]float64, len(res))
	copy(m.paramResolutions, res)
}

// SetRandomSeed makes the search reproducible.
func (m *Minimizer) SetRandomSeed(seed int64) { m.seed = seed }

// SetSingleThread restricts the search to the calling goroutine.
func (m *Minimizer) SetSingleThread(single bool) { m.singleThread = single }

// SetProgressFunc installs a callback invoked from the calling goroutine
// after each finished single minimization.
func (m *Minimizer) SetProgressFunc(fn func(Progress)) { m.progress = fn }

// NumParams returns the dimension of the search space.
func (m *Minimizer) NumParams() int { return m.numParams }

// Abort stops a running Minimize as soon as possible, keeping the best
// vertex found so far. It may be called from within the objective.
func (m *Minimizer) Abort() {
	m.aborted.Store(true)
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Params returns the best parameters with the objective value appended.
// Before any successful initialization all entries are NaN.
func (m *Minimizer) Params() []float64 {
	out := make([]float64, m.numParams+1)
	copy(out, m.result.Params)
	out[m.numParams] = m.result.Value
	return out
}

// Result returns a copy of the best vertex.
func (m *Minimizer) Result() Vertex { return m.result.clone() }

// Status returns the status of the last Minimize call.
func (m *Minimizer) Status() Status { return m.status }

// Iterations returns the number of simplex steps of the last Minimize call,
// summed over all workers. It can exceed MaxIterations, by at most a factor
// of two.
func (m *Minimizer) Iterations() int { return m.iterations }

// CompletedMinimizations returns how many single minimizations finished.
func (m *Minimizer) CompletedMinimizations() int { return m.completed }

// Minimize searches for the minimum starting at initialParams (zeros when
// nil) with per-parameter step sizes initialParamVariations (10% of the
// value, or 0.01 for zero values, when nil).
func (m *Minimizer) Minimize(ctx context.Context, initialParams, initialParamVariations []float64) Status {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	m.aborted.Store(false)
	defer func() {
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
	}()

	m.result = m.nanVertex()
	m.iterations = 0
	m.completed = 0

	start := m.startParams(initialParams)
	variations := m.startVariations(start, initialParamVariations)

	workers := 2
	if m.singleThread || m.maxRestarts == 0 {
		workers = 1
	}
	rounds := m.maxRestarts + 1
	if workers == 1 && m.maxRestarts > 0 {
		rounds *= 2
	}

	coll := &collector{}
	lastProblem := MaxRestartsExceeded

	for round := 0; round < rounds; round++ {
		remaining := m.maxIter - m.iterations
		if remaining <= 0 {
			return m.finish(MaxIterationsExceeded)
		}

		var g errgroup.Group
		for w := 0; w < workers; w++ {
			seed := m.seed + int64(round)
			if w == 1 {
				seed += secondWorkerSeedOffset
			}
			g.Go(func() error {
				coll.add(m.minimizeOnce(ctx, round, w, seed, remaining, start, variations))
				return nil
			})
		}
		_ = g.Wait()

		all := coll.sorted()
		var thisRound []outcome
		for _, o := range all {
			if o.round == round {
				thisRound = append(thisRound, o)
			}
		}
		for _, o := range thisRound {
			m.iterations += o.iter
			if o.status != InitializationFailure {
				m.completed++
			}
			if m.progress != nil {
				m.progress(Progress{Round: o.round, Worker: o.worker, Status: o.status, Value: o.best.Value, Iterations: m.iterations})
			}
		}

		b, ok := best(all)
		if ok {
			m.result = b.best.clone()
		}

		if m.aborted.Load() || ctx.Err() != nil {
			return m.finish(Aborted)
		}
		for _, o := range thisRound {
			if o.status.Terminal() {
				return m.finish(o.status)
			}
			if o.status != Success {
				lastProblem = o.status
			}
		}

		if m.maxRestarts == 0 {
			return m.finish(thisRound[0].status)
		}

		if ok && coll.retainNear(b.best, m) >= 2 {
			return m.finish(Success)
		}
		if m.iterations >= m.maxIter {
			return m.finish(MaxIterationsExceeded)
		}
	}

	if lastProblem == ReinitializationFailure {
		return m.finish(ReinitializationFailure)
	}
	return m.finish(MaxRestartsExceeded)
}

func (m *Minimizer) finish(status Status) Status {
	m.status = status
	slog.Debug("Minimization finished",
		"status", status.String(),
		"value", m.result.Value,
		"iterations", m.iterations,
		"completed", m.completed,
	)
	return status
}

// agree reports whether a and b are equal within the error limit divided by sensitivity.
func (m *Minimizer) agree(a, b, sensitivity float64) bool {
	limit := math.Max(m.maxAbsError, m.maxRelError*math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= limit/sensitivity
}

func (m *Minimizer) nanVertex() Vertex {
	p := make([]float64, m.numParams)
	for i := range p {
		p[i] = math.NaN()
	}
	return Vertex{Params: p, Value: math.NaN()}
}

func (m *Minimizer) startParams(initial []float64) []float64 {
	p := make([]float64, m.numParams)
	copy(p, initial)
	return p
}

func (m *Minimizer) startVariations(start, variations []float64) []float64 {
	v := make([]float64, m.numParams)
	for i := range v {
		if i < len(variations) && variations[i] != 0 && !isNaN(variations[i]) {
			v[i] = math.Abs(variations[i])
			continue
		}
		v[i] = 0.1 * math.Abs(start[i])
		if v[i] == 0 || isNaN(v[i]) || math.IsInf(v[i], 0) {
			v[i] = 0.01
		}
	}
	return v
}

// withinResolution reports whether a and b differ by no more than the
// parameter resolutions in every coordinate. It is false without resolutions.
func (m *Minimizer) withinResolution(a, b []float64) bool {
	if len(m.paramResolutions) < m.numParams {
		return false
	}
	for i := 0; i < m.numParams; i++ {
		if math.Abs(a[i]-b[i]) > m.paramResolutions[i] {
			return false
		}
	}
	return true
}

// retainNear drops outcomes that disagree with ref and returns how many remain.
func (c *collector) retainNear(ref Vertex, m *Minimizer) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.outcomes[:0]
	for _, o := range c.outcomes {
		if usable(o) && (m.agree(o.best.Value, ref.Value, resultSensitivity) || m.withinResolution(o.best.Params, ref.Params)) {
			kept = append(kept, o)
		}
	}
	c.outcomes = kept
	return len(kept)
}

func isNaN(v float64) bool { return v != v }
