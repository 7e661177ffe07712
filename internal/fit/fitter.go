// Package fit fits built-in and user-defined functions to (x, y) data with
// the simplex minimizer. Offset and factor parameters are solved by linear
// regression on every evaluation so the simplex only searches the rest.
package fit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cwbudde/curvefit/internal/minimizer"
	"github.com/cwbudde/curvefit/internal/opt"
)

// ErrDataMismatch is returned by New for unusable data arrays.
var ErrDataMismatch = errors.New("x and y must be non-empty and of equal length")

// CurveFitter fits one data set. A CurveFitter must not be used by more than
// one goroutine at a time, except for Abort.
type CurveFitter struct {
	x, y []float64

	settings          Settings
	initialParams     []float64
	initialVariations []float64
	preSearch         opt.Optimizer
	progress          func(minimizer.Progress)

	mu  sync.Mutex
	min *minimizer.Minimizer

	fitType     FitType
	family      Family
	custom      evalFunc
	formula     *formula
	numParams   int
	numRegr     int
	params      []float64
	status      minimizer.Status
	errorString string
	iterations  int
	maxIter     int
	restarts    int
	elapsed     time.Duration
	sse         float64
}

// New creates a CurveFitter for a copy of the data.
func New(x, y []float64) (*CurveFitter, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, ErrDataMismatch
	}
	c := &CurveFitter{
		x:        append([]float64(nil), x...),
		y:        append([]float64(nil), y...),
		settings: DefaultSettings(),
		fitType:  -1,
		sse:      math.NaN(),
	}
	return c, nil
}

// SetSettings replaces the minimizer settings.
func (c *CurveFitter) SetSettings(s Settings) { c.settings = s }

// Settings returns the current minimizer settings.
func (c *CurveFitter) Settings() Settings { return c.settings }

// SetInitialParams sets the starting parameters of the next fit, in the
// parameterization of the fit function. Nil selects automatic guesses.
func (c *CurveFitter) SetInitialParams(p []float64) {
	c.initialParams = append([]float64(nil), p...)
	if p == nil {
		c.initialParams = nil
	}
}

// SetInitialParamVariations sets the initial simplex step sizes per parameter.
func (c *CurveFitter) SetInitialParamVariations(v []float64) {
	c.initialVariations = append([]float64(nil), v...)
	if v == nil {
		c.initialVariations = nil
	}
}

// SetPreSearch installs a global optimizer that seeds custom fits started
// without initial parameters.
func (c *CurveFitter) SetPreSearch(o opt.Optimizer) { c.preSearch = o }

// SetProgressFunc installs a callback invoked after each finished single
// minimization.
func (c *CurveFitter) SetProgressFunc(fn func(minimizer.Progress)) { c.progress = fn }

// Abort stops a running fit, keeping the best result so far.
func (c *CurveFitter) Abort() {
	c.mu.Lock()
	m := c.min
	c.mu.Unlock()
	if m != nil {
		m.Abort()
	}
}

func (c *CurveFitter) reset(t FitType) {
	c.fitType = t
	c.family = Family{}
	c.custom = nil
	c.formula = nil
	c.errorString = ""
	c.iterations = 0
	c.maxIter = 0
	c.restarts = 0
	c.elapsed = 0
	c.status = minimizer.Success
}

// DoFit fits a built-in family. The error is only set for an unknown fit
// type; data problems are reported through Status and StatusString.
func (c *CurveFitter) DoFit(ctx context.Context, t FitType) error {
	if t < 0 || int(t) >= len(families) {
		return &InvalidArgumentError{Arg: "fitType", Reason: "not a built-in fit type"}
	}
	fam := families[t]
	start := time.Now()
	c.reset(t)
	c.family = fam
	c.numParams = fam.NumParams
	c.numRegr = fam.NumRegressionParams()

	if msg := checkData(t, c.x, c.y); msg != "" {
		c.fail(msg)
		c.finish(start)
		return nil
	}

	if fam.linearized {
		c.fitLinearized(fam)
		c.finish(start)
		return nil
	}

	work := fam.work()
	x, y := c.x, c.y
	if fam.swapXY {
		x, y = y, x
	}

	initial := c.initialParams
	if len(initial) < fam.NumParams {
		initial = initialParams(t, fam.NumParams, x, y)
	} else {
		initial = append([]float64(nil), initial[:fam.NumParams]...)
	}
	variations := c.initialVariations
	if len(variations) < fam.NumParams {
		variations = initialVariations(t, initial, x, y)
	}
	toInternal(t, initial)

	c.numRegr = work.NumRegressionParams()
	p := c.minimize(ctx, x, y, work.eval, work.NumParams, work.Offset, work.Factor, work.Slope, initial, variations, false)
	fromInternal(t, p)
	c.params = p
	c.finish(start)
	return nil
}

// DoCustomFit fits "y = <expression>" over x and the parameters a to f. It
// returns the number of parameters, or 0 when the formula is unusable; the
// reason is then available from StatusString.
func (c *CurveFitter) DoCustomFit(ctx context.Context, src string, initialParams []float64) (int, error) {
	if src == "" {
		return 0, &InvalidArgumentError{Arg: "formula", Reason: "missing"}
	}
	start := time.Now()
	c.reset(Custom)
	f, err := compileFormula(src)
	if err != nil {
		c.numParams = 0
		c.numRegr = 0
		c.fail(err.Error())
		c.finish(start)
		return 0, nil
	}
	c.formula = f
	c.custom = f.eval
	c.fitCustom(ctx, len(f.letters), initialParams)
	c.finish(start)
	return len(f.letters), nil
}

// DoCustomFitFunc fits a user-supplied function of numParams parameters.
func (c *CurveFitter) DoCustomFitFunc(ctx context.Context, fn CustomFunc, numParams int, initialParams []float64) error {
	if fn == nil {
		return &InvalidArgumentError{Arg: "fn", Reason: "missing"}
	}
	if numParams < 1 {
		return &InvalidArgumentError{Arg: "numParams", Reason: "must be positive"}
	}
	start := time.Now()
	c.reset(Custom)
	c.custom = evalFunc(fn)
	c.fitCustom(ctx, numParams, initialParams)
	c.finish(start)
	return nil
}

// UseParams installs known parameters of a built-in family without
// minimizing. Residuals, SSE and R² then refer to these parameters.
func (c *CurveFitter) UseParams(t FitType, params []float64) error {
	if t < 0 || int(t) >= len(families) {
		return &InvalidArgumentError{Arg: "fitType", Reason: "not a built-in fit type"}
	}
	fam := families[t]
	if len(params) != fam.NumParams {
		return &InvalidArgumentError{Arg: "params", Reason: fmt.Sprintf("need %d values, got %d", fam.NumParams, len(params))}
	}
	start := time.Now()
	c.reset(t)
	c.family = fam
	c.numParams = fam.NumParams
	c.numRegr = fam.NumRegressionParams()
	c.params = append([]float64(nil), params...)
	c.finish(start)
	return nil
}

// UseFormulaParams is UseParams for a "y = <expression>" formula.
func (c *CurveFitter) UseFormulaParams(src string, params []float64) error {
	f, err := compileFormula(src)
	if err != nil {
		return &InvalidArgumentError{Arg: "formula", Reason: err.Error()}
	}
	if len(params) != len(f.letters) {
		return &InvalidArgumentError{Arg: "params", Reason: fmt.Sprintf("need %d values, got %d", len(f.letters), len(params))}
	}
	start := time.Now()
	c.reset(Custom)
	c.formula = f
	c.custom = f.eval
	c.numParams = len(f.letters)
	c.params = append([]float64(nil), params...)
	c.finish(start)
	return nil
}

func (c *CurveFitter) fitCustom(ctx context.Context, n int, initialParams []float64) {
	c.numParams = n
	initial := make([]float64, n)
	explicit := len(initialParams) >= n
	if explicit {
		copy(initial, initialParams)
	} else if len(c.initialParams) >= n {
		copy(initial, c.initialParams)
		explicit = true
	} else {
		for i := range initial {
			initial[i] = 1
		}
	}
	variations := c.initialVariations
	if len(variations) < n {
		variations = nil
	}

	offset, factor := detectOffsetFactor(c.custom, n, c.x, initial)
	c.numRegr = 0
	if offset >= 0 {
		c.numRegr++
	}
	if factor >= 0 {
		c.numRegr++
	}
	slog.Debug("Custom fit", "params", n, "offset", offset, "factor", factor)

	c.params = c.minimize(ctx, c.x, c.y, c.custom, n, offset, factor, false, initial, variations, !explicit)
}

// minimize runs the regression-reduced problem and returns the full
// parameters.
func (c *CurveFitter) minimize(ctx context.Context, x, y []float64, eval evalFunc, n, offset, factor int, slope bool,
	initial, variations []float64, usePreSearch bool) []float64 {
	e := newEliminator(x, y, eval, n, offset, factor, slope)

	if e.numFree() == 0 {
		full, _ := e.solve(nil)
		c.iterations = 1
		c.status = minimizer.Success
		return full
	}

	m := minimizer.New(e.objective, e.numFree())
	s := c.settings
	m.SetMaxIterations(s.MaxIterations)
	m.SetMaxRestarts(s.MaxRestarts)
	if s.MaxRelError > 0 {
		m.SetMaxError(s.MaxRelError, 1e-100)
	}
	if len(s.ParamResolutions) >= n {
		m.SetParamResolutions(e.reduce(s.ParamResolutions))
	}
	m.SetRandomSeed(s.Seed)
	m.SetSingleThread(s.SingleThread)
	if c.progress != nil {
		m.SetProgressFunc(c.progress)
	}

	reducedInit := e.reduce(initial)
	reducedVar := e.reduce(variations)
	if usePreSearch && c.preSearch != nil {
		v := reducedVar
		if v == nil {
			v = make([]float64, len(reducedInit))
			for i, p := range reducedInit {
				v[i] = math.Max(0.1*math.Abs(p), 0.01)
			}
		}
		reducedInit = preSearch(c.preSearch, e.objective, reducedInit, v)
	}

	c.mu.Lock()
	c.min = m
	c.mu.Unlock()
	c.status = m.Minimize(ctx, reducedInit, reducedVar)
	c.mu.Lock()
	c.min = nil
	c.mu.Unlock()

	c.iterations = m.Iterations()
	c.maxIter = m.MaxIterations()
	if done := m.CompletedMinimizations(); done > 1 {
		c.restarts = done - 1
	}

	res := m.Result()
	if c.status == minimizer.InitializationFailure || math.IsNaN(res.Value) {
		p := make([]float64, n)
		for i := range p {
			p[i] = math.NaN()
		}
		return p
	}
	full, _ := e.solve(res.Params)
	return full
}

// fitLinearized fits exponential and power laws by a straight line through
// the log-transformed data.
func (c *CurveFitter) fitLinearized(fam Family) {
	excluded := func(i int) bool {
		return fam.Type == PowerRegression && c.x[i] == 0 && c.y[i] == 0
	}
	sign := 1.0
	for i := range c.y {
		if !excluded(i) && c.y[i] != 0 {
			if c.y[i] < 0 {
				sign = -1
			}
			break
		}
	}
	var lx, ly []float64
	for i := range c.x {
		if excluded(i) {
			continue
		}
		switch fam.Type {
		case PowerRegression:
			lx = append(lx, math.Log(c.x[i]))
		default:
			lx = append(lx, c.x[i])
		}
		ly = append(ly, math.Log(sign*c.y[i]))
	}
	if len(lx) == 0 {
		c.fail("No data points left after excluding (0,0)")
		return
	}
	line := newEliminator(lx, ly, families[StraightLine].eval, 2, 0, 1, true)
	p, _ := line.solve(nil)
	c.params = []float64{sign * math.Exp(p[0]), p[1]}
	c.iterations = 1
	c.status = minimizer.Success
}

// toInternal converts starting parameters to the internal form of a family.
func toInternal(t FitType, p []float64) {
	switch t {
	case Gaussian:
		p[1] -= p[0]
	case Rodbard, RodbardNIH:
		p[0] -= p[3]
	}
}

// fromInternal maps fitted parameters back and normalizes signs of
// parameters the function is symmetric in.
func fromInternal(t FitType, p []float64) {
	switch t {
	case Gaussian:
		p[1] += p[0]
		p[3] = math.Abs(p[3])
	case Rodbard, RodbardNIH:
		p[0] += p[3]
	case GaussianNoOffset:
		p[2] = math.Abs(p[2])
	case Erf:
		if p[3] < 0 {
			p[1] = -p[1]
			p[3] = -p[3]
		}
	}
}

func (c *CurveFitter) fail(msg string) {
	c.errorString = msg
	c.status = minimizer.InitializationFailure
	slog.Debug("Fit rejected", "fit_type", c.fitType, "reason", msg)
}

func (c *CurveFitter) finish(start time.Time) {
	c.elapsed = time.Since(start)
	if c.errorString == "" && c.params != nil {
		c.sse = residualSum(c.evalFunc(), c.params, c.x, c.y)
	} else {
		c.sse = math.NaN()
	}
	slog.Debug("Fit finished",
		"fit_type", c.fitType,
		"status", c.status.String(),
		"sse", c.sse,
		"iterations", c.iterations,
		"elapsed", c.elapsed,
	)
}

func (c *CurveFitter) evalFunc() evalFunc {
	if c.custom != nil {
		return c.custom
	}
	if c.family.eval != nil {
		return c.family.eval
	}
	return func([]float64, float64) float64 { return math.NaN() }
}
