package fit

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// dataSummary holds the characteristic values of a data set used for
// starting guesses.
type dataSummary struct {
	n                int
	firstX, firstY   float64
	lastX, lastY     float64
	xMin, xMax       float64
	yMin, yMax       float64
	xMean, yMean     float64
	xOfMax           float64
	slope, intercept float64
}

func summarize(x, y []float64) dataSummary {
	s := dataSummary{
		n:      len(x),
		firstX: x[0], firstY: y[0],
		lastX: x[len(x)-1], lastY: y[len(y)-1],
		xMin: floats.Min(x), xMax: floats.Max(x),
		yMin: floats.Min(y), yMax: floats.Max(y),
		xMean: stat.Mean(x, nil), yMean: stat.Mean(y, nil),
	}
	s.xOfMax = x[floats.MaxIdx(y)]
	s.slope = 1
	if dx := s.lastX - s.firstX; dx != 0 {
		s.slope = (s.lastY - s.firstY) / dx
	}
	if s.slope == 0 {
		s.slope = 1
	}
	s.intercept = s.firstY - s.slope*s.firstX
	return s
}

func (s dataSummary) xRange() float64 {
	if r := s.xMax - s.xMin; r > 0 {
		return r
	}
	return 1
}

func (s dataSummary) yRange() float64 {
	if r := s.yMax - s.yMin; r > 0 {
		return r
	}
	return 1
}

// checkData returns a message when the data cannot be fitted by the family.
// Nothing is minimized in that case.
func checkData(t FitType, x, y []float64) string {
	switch t {
	case Power, Chapman:
		if floats.Min(x) < 0 {
			return "Cannot fit x<0"
		}
	case Log:
		if hasZero(x) {
			return "Cannot fit x<=0"
		}
		if mixedSign(x) {
			return "Cannot fit mixed-sign x"
		}
	case Rodbard:
		if mixedSign(x) {
			return "Cannot fit mixed-sign x"
		}
	case RodbardNIH:
		if mixedSign(y) {
			return "Cannot fit mixed-sign y"
		}
	case ExpRegression:
		if hasZero(y) || mixedSign(y) {
			return "Cannot fit y=0 or mixed-sign y"
		}
	case PowerRegression:
		for i := range x {
			if x[i] == 0 && y[i] == 0 {
				continue
			}
			if x[i] <= 0 {
				return "Cannot fit x<=0"
			}
			if y[i] == 0 {
				return "Cannot fit y=0 or mixed-sign y"
			}
		}
		if mixedSign(y) {
			return "Cannot fit y=0 or mixed-sign y"
		}
	}
	return ""
}

func mixedSign(v []float64) bool {
	return floats.Min(v) < 0 && floats.Max(v) > 0
}

func hasZero(v []float64) bool {
	for _, x := range v {
		if x == 0 {
			return true
		}
	}
	return false
}

// efoldRate estimates the rate of an exponential approach from the x span
// over which y covers 1-1/e of its total change.
func efoldRate(x, y []float64) float64 {
	s := summarize(x, y)
	target := s.firstY + (1-1/math.E)*(s.lastY-s.firstY)
	rising := s.lastY > s.firstY
	for i := range x {
		if (rising && y[i] >= target) || (!rising && y[i] <= target) {
			if span := math.Abs(x[i] - s.firstX); span > 0 {
				return 1 / span
			}
			break
		}
	}
	return 1 / s.xRange()
}

// gaussWidth estimates the standard deviation of a peak from the area above
// the baseline divided by its height.
func gaussWidth(x, y []float64, s dataSummary) float64 {
	area := 0.0
	for i := 1; i < len(x); i++ {
		h := 0.5 * (y[i] + y[i-1] - 2*s.yMin)
		area += h * math.Abs(x[i]-x[i-1])
	}
	w := area / (s.yRange() * math.Sqrt(2*math.Pi))
	if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
		w = 0.1 * s.xRange()
	}
	return w
}

// midCrossing returns the first x at which y passes the middle of its range.
func midCrossing(x, y []float64, s dataSummary) float64 {
	mid := 0.5 * (s.yMin + s.yMax)
	for i := 1; i < len(x); i++ {
		if (y[i-1]-mid)*(y[i]-mid) <= 0 {
			return 0.5 * (x[i-1] + x[i])
		}
	}
	return s.xMean
}

// initialParams derives starting values for a built-in family, in the
// parameterization of the family itself (not its internal form).
func initialParams(t FitType, numParams int, x, y []float64) []float64 {
	s := summarize(x, y)
	p := make([]float64, numParams)

	switch t {
	case StraightLine, Poly2, Poly3, Poly4, Poly5, Poly6, Poly7, Poly8:
		p[0] = s.intercept
		p[1] = s.slope
	case Exponential:
		p[1] = efoldRate(x, y)
		if s.firstY*s.lastY > 0 && s.lastX != s.firstX {
			p[1] = math.Log(s.lastY/s.firstY) / (s.lastX - s.firstX)
		}
		p[0] = s.yMean
	case Power:
		p[0] = s.yMean
		p[1] = 1
		if s.firstX > 0 && s.lastX > 0 && s.firstY*s.lastY > 0 && s.firstX != s.lastX {
			p[1] = math.Log(s.lastY/s.firstY) / math.Log(s.lastX/s.firstX)
		}
	case Log:
		p[0] = s.yMean
		p[1] = 1
		if s.xMax <= 0 {
			p[1] = -1
		}
	case Rodbard, RodbardNIH:
		p[0] = s.firstY
		p[1] = 1
		p[2] = s.xMean
		p[3] = s.lastY
	case InvRodbard:
		p[0] = s.xMin - 0.1*s.xRange()
		p[1] = s.slope / math.Abs(s.slope)
		p[2] = s.yMean
		p[3] = s.xMax + 0.1*s.xRange()
	case GammaVariate:
		p[0] = s.xMin - 0.1*s.xRange()
		p[1] = s.yMax
		p[2] = 2
		p[3] = (s.xOfMax - p[0]) / p[2]
		if p[3] <= 0 {
			p[3] = 0.25 * s.xRange()
		}
	case Log2:
		p[0] = s.yMean
		p[1] = s.slope
		p[2] = s.xMin - 0.1*s.xRange()
	case ExpWithOffset:
		p[0] = s.firstY - s.lastY
		p[1] = efoldRate(x, y)
		p[2] = s.lastY
	case Gaussian:
		p[0] = s.yMin
		p[1] = s.yMax
		p[2] = s.xOfMax
		p[3] = gaussWidth(x, y, s)
	case GaussianNoOffset:
		p[0] = s.yMax
		p[1] = s.xOfMax
		p[2] = gaussWidth(x, y, s)
	case ExpRecovery:
		p[0] = s.lastY - s.firstY
		p[1] = efoldRate(x, y)
		p[2] = s.firstY
	case ExpRecoveryNoOffset:
		p[0] = s.lastY
		p[1] = efoldRate(x, y)
	case Chapman:
		p[0] = s.yMax
		p[1] = efoldRate(x, y)
		p[2] = 1.5
	case Erf:
		p[0] = s.yMean
		p[1] = 0.5 * s.yRange()
		p[2] = midCrossing(x, y, s)
		p[3] = 0.25 * s.xRange()
		if s.slope < 0 {
			p[3] = -p[3]
		}
	}
	return p
}

// initialVariations sets step sizes for a built-in family: positions along x
// scale with the x range, everything else with its own magnitude.
func initialVariations(t FitType, p []float64, x, y []float64) []float64 {
	s := summarize(x, y)
	v := make([]float64, len(p))
	for i := range p {
		v[i] = 0.1 * math.Abs(p[i])
		if v[i] == 0 || math.IsNaN(v[i]) {
			v[i] = 0.01 * s.yRange()
		}
	}
	xv := 0.1 * s.xRange()
	switch t {
	case Gaussian, Rodbard, RodbardNIH:
		v[2] = xv
	case GaussianNoOffset:
		v[1] = xv
	case GammaVariate:
		v[0] = xv
		v[3] = xv
	case InvRodbard:
		v[0] = xv
		v[3] = xv
	case Log2:
		v[2] = xv
	case Erf:
		v[2] = xv
		v[3] = xv
	}
	return v
}
