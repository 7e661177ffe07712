package fit

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/cwbudde/curvefit/internal/minimizer"
)

// Params returns a copy of the fitted parameters.
func (c *CurveFitter) Params() []float64 {
	if c.params == nil {
		return nil
	}
	return append([]float64(nil), c.params...)
}

// Status returns the minimizer status, Success for closed-form fits and
// InitializationFailure when the data were rejected.
func (c *CurveFitter) Status() minimizer.Status { return c.status }

// StatusString describes the status, preferring the reason a fit was rejected.
func (c *CurveFitter) StatusString() string {
	if c.errorString != "" {
		return c.errorString
	}
	return c.status.String()
}

// FitType returns the type of the last fit, Custom for formulas and callbacks.
func (c *CurveFitter) FitType() FitType { return c.fitType }

// Formula returns the equation of the last fit.
func (c *CurveFitter) Formula() string {
	switch {
	case c.formula != nil:
		return c.formula.source
	case c.custom != nil:
		return "user-defined function"
	case c.family.eval != nil:
		return c.family.Equation
	}
	return ""
}

// NumParams returns the number of parameters of the fit function.
func (c *CurveFitter) NumParams() int { return c.numParams }

// NumRegressionParams returns how many parameters were solved by regression.
func (c *CurveFitter) NumRegressionParams() int { return c.numRegr }

// Iterations returns the number of simplex steps, 1 for closed-form fits.
func (c *CurveFitter) Iterations() int { return c.iterations }

// MaxIterations returns the iteration budget of the last minimization.
func (c *CurveFitter) MaxIterations() int { return c.maxIter }

// Restarts returns the number of minimizations after the first one.
func (c *CurveFitter) Restarts() int { return c.restarts }

// Elapsed returns the duration of the last fit.
func (c *CurveFitter) Elapsed() time.Duration { return c.elapsed }

// SumResidualsSqr returns the residual sum of squares of the fitted
// parameters on the original data.
func (c *CurveFitter) SumResidualsSqr() float64 { return c.sse }

// F evaluates the fitted function at x.
func (c *CurveFitter) F(x float64) float64 {
	if c.params == nil {
		return math.NaN()
	}
	return c.evalFunc()(c.params, x)
}

// Residuals returns y - F(x) for every data point.
func (c *CurveFitter) Residuals() []float64 {
	r := make([]float64, len(c.x))
	for i, x := range c.x {
		r[i] = c.y[i] - c.F(x)
	}
	return r
}

// sumMeanDiffSqr is the sum of squared deviations of y from its mean.
func (c *CurveFitter) sumMeanDiffSqr() float64 {
	mean := stat.Mean(c.y, nil)
	sum := 0.0
	for _, v := range c.y {
		sum += (v - mean) * (v - mean)
	}
	return sum
}

// RSquared returns 1 - SSE/SSD. Constant data give 1 for a perfect fit and
// 0 otherwise.
func (c *CurveFitter) RSquared() float64 {
	if math.IsNaN(c.sse) {
		return math.NaN()
	}
	ssd := c.sumMeanDiffSqr()
	if ssd <= 0 {
		if c.sse == 0 {
			return 1
		}
		return 0
	}
	return 1 - c.sse/ssd
}

// FitGoodness is R² corrected for the degrees of freedom. It is 0 when there
// are no more data points than parameters.
func (c *CurveFitter) FitGoodness() float64 {
	if math.IsNaN(c.sse) {
		return math.NaN()
	}
	n := len(c.x)
	dof := n - c.numParams
	ssd := c.sumMeanDiffSqr()
	if dof <= 0 || ssd <= 0 {
		return 0
	}
	return 1 - (c.sse/float64(dof))*float64(n)/ssd
}

// SD returns the standard deviation of the residuals.
func (c *CurveFitter) SD() float64 {
	if len(c.x) < 2 {
		return 0
	}
	return stat.StdDev(c.Residuals(), nil)
}

func (c *CurveFitter) paramNames() []string {
	if c.formula != nil {
		return c.formula.paramNames()
	}
	names := make([]string, c.numParams)
	for i := range names {
		if i < len(paramLetters) {
			names[i] = string(paramLetters[i])
		} else {
			names[i] = fmt.Sprintf("p%d", i)
		}
	}
	return names
}

// ResultString summarizes the fit in a few lines.
func (c *CurveFitter) ResultString() string {
	var b strings.Builder
	name := "Custom"
	if c.family.eval != nil {
		name = c.family.Name
	}
	fmt.Fprintf(&b, "Formula: %s (%s)\n", c.Formula(), name)
	fmt.Fprintf(&b, "Status: %s\n", c.StatusString())
	if c.errorString != "" {
		return b.String()
	}
	if c.maxIter > 0 {
		fmt.Fprintf(&b, "Number of iterations: %d (max: %d)\n", c.iterations, c.maxIter)
		fmt.Fprintf(&b, "Number of restarts: %d\n", c.restarts)
	} else {
		b.WriteString("Closed-form regression\n")
	}
	fmt.Fprintf(&b, "Time: %s\n", c.elapsed.Round(time.Microsecond))
	fmt.Fprintf(&b, "Sum of residuals squared: %.6g\n", c.sse)
	fmt.Fprintf(&b, "Standard deviation: %.6g\n", c.SD())
	fmt.Fprintf(&b, "R^2: %.8f\n", c.RSquared())
	b.WriteString("Parameters:\n")
	for i, n := range c.paramNames() {
		if i < len(c.params) {
			fmt.Fprintf(&b, "  %s = %.10g\n", n, c.params[i])
		}
	}
	return b.String()
}
