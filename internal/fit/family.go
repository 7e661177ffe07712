package fit

import (
	"math"
	"strconv"
	"strings"
)

// FitType identifies a built-in fit family. The integer codes are stable.
type FitType int

const (
	StraightLine FitType = iota
	Poly2
	Poly3
	Poly4
	Exponential
	Power
	Log
	Rodbard
	GammaVariate
	Log2
	RodbardNIH
	ExpWithOffset
	Gaussian
	ExpRecovery
	InvRodbard
	ExpRegression
	PowerRegression
	Poly5
	Poly6
	Poly7
	Poly8
	GaussianNoOffset
	ExpRecoveryNoOffset
	Chapman
	Erf
)

const (
	// Custom marks a fit with a user formula or callback.
	Custom FitType = 100

	gaussianInternal FitType = 101
	rodbardInternal  FitType = 102
)

// Family describes a fit function: its formula, parameter count and which
// parameters can be solved by linear regression instead of the simplex.
type Family struct {
	Type      FitType
	Name      string
	Alias     string
	Equation  string
	NumParams int
	// Offset is the index of a purely additive parameter, -1 if none.
	Offset int
	// Factor is the index of a multiplicative parameter, -1 if none.
	Factor int
	// Slope means Factor multiplies x and is added to the rest of the
	// function, rather than multiplying the whole function.
	Slope bool

	eval func(p []float64, x float64) float64

	// linearized families are fitted by a straight line through transformed data.
	linearized bool
	// internal is the reparameterized form that is actually minimized.
	internal FitType
	// swapXY fits the internal form with the roles of x and y exchanged.
	swapXY bool
}

// Eval evaluates the family's function at x.
func (f Family) Eval(p []float64, x float64) float64 {
	return f.eval(p, x)
}

// NumRegressionParams is the number of parameters eliminated by regression.
func (f Family) NumRegressionParams() int {
	n := 0
	if f.Offset >= 0 {
		n++
	}
	if f.Factor >= 0 {
		n++
	}
	return n
}

func poly(p []float64, x float64) float64 {
	y := 0.0
	for i := len(p) - 1; i >= 0; i-- {
		y = y*x + p[i]
	}
	return y
}

func polyFamily(t FitType, degree int, name, alias string) Family {
	eq := "y = a+bx"
	for i := 2; i <= degree; i++ {
		eq += "+" + string(rune('a'+i)) + "x^" + string(rune('0'+i))
	}
	n := degree + 1
	return Family{
		Type: t, Name: name, Alias: alias, Equation: eq, NumParams: n,
		Offset: 0, Factor: 1, Slope: true,
		eval: func(p []float64, x float64) float64 { return poly(p[:n], x) },
	}
}

func power(p []float64, x float64) float64 {
	if x == 0 {
		return 0
	}
	return p[0] * math.Exp(p[1]*math.Log(x))
}

func rodbard(p []float64, x float64) float64 {
	ex := math.Pow(x/p[2], p[1])
	return p[3] + (p[0]-p[3])/(1+ex)
}

func invRodbard(p []float64, x float64) float64 {
	return p[2] * math.Pow((x-p[0])/(p[3]-x), 1/p[1])
}

func gaussian(p []float64, x float64) float64 {
	d := x - p[2]
	return p[0] + (p[1]-p[0])*math.Exp(-d*d/(2*p[3]*p[3]))
}

var families = [...]Family{
	{
		Type: StraightLine, Name: "Straight Line", Alias: "line", Equation: "y = a+bx", NumParams: 2,
		Offset: 0, Factor: 1, Slope: true,
		eval: func(p []float64, x float64) float64 { return p[0] + p[1]*x },
	},
	polyFamily(Poly2, 2, "2nd Degree Polynomial", "poly2"),
	polyFamily(Poly3, 3, "3rd Degree Polynomial", "poly3"),
	polyFamily(Poly4, 4, "4th Degree Polynomial", "poly4"),
	{
		Type: Exponential, Name: "Exponential", Alias: "exp", Equation: "y = a*exp(bx)", NumParams: 2,
		Offset: -1, Factor: 0,
		eval: func(p []float64, x float64) float64 { return p[0] * math.Exp(p[1]*x) },
	},
	{
		Type: Power, Name: "Power", Alias: "power", Equation: "y = a*x^b", NumParams: 2,
		Offset: -1, Factor: 0,
		eval: power,
	},
	{
		Type: Log, Name: "Log", Alias: "log", Equation: "y = a*ln(bx)", NumParams: 2,
		Offset: -1, Factor: 0,
		eval: func(p []float64, x float64) float64 {
			arg := p[1] * x
			if arg <= 0 {
				return math.NaN()
			}
			return p[0] * math.Log(arg)
		},
	},
	{
		Type: Rodbard, Name: "Rodbard", Alias: "rodbard", Equation: "y = d+(a-d)/(1+(x/c)^b)", NumParams: 4,
		Offset: -1, Factor: -1, internal: rodbardInternal,
		eval: rodbard,
	},
	{
		Type: GammaVariate, Name: "Gamma Variate", Alias: "gamma", Equation: "y = b*(x-a)^c*exp(-(x-a)/d)", NumParams: 4,
		Offset: -1, Factor: 1,
		eval: func(p []float64, x float64) float64 {
			if p[0] >= x {
				return 0
			}
			if p[2] <= 0 || p[3] <= 0 {
				return math.NaN()
			}
			t := x - p[0]
			return p[1] * math.Pow(t, p[2]) * math.Exp(-t/p[3])
		},
	},
	{
		Type: Log2, Name: "y = a+b*ln(x-c)", Alias: "log2", Equation: "y = a+b*ln(x-c)", NumParams: 3,
		Offset: 0, Factor: 1,
		eval: func(p []float64, x float64) float64 {
			t := x - p[2]
			if t <= 0 {
				return math.NaN()
			}
			return p[0] + p[1]*math.Log(t)
		},
	},
	{
		Type: RodbardNIH, Name: "Rodbard (NIH Image)", Alias: "rodbard-nih",
		Equation: "x = d+(a-d)/(1+(y/c)^b) [y = c*((x-a)/(d-x))^(1/b)]", NumParams: 4,
		Offset: -1, Factor: -1, internal: rodbardInternal, swapXY: true,
		eval: invRodbard,
	},
	{
		Type: ExpWithOffset, Name: "Exponential with Offset", Alias: "exp-offset", Equation: "y = a*exp(-bx) + c", NumParams: 3,
		Offset: 2, Factor: 0,
		eval: func(p []float64, x float64) float64 { return p[0]*math.Exp(-p[1]*x) + p[2] },
	},
	{
		Type: Gaussian, Name: "Gaussian", Alias: "gaussian", Equation: "y = a + (b-a)*exp(-(x-c)*(x-c)/(2*d*d))", NumParams: 4,
		Offset: -1, Factor: -1, internal: gaussianInternal,
		eval: gaussian,
	},
	{
		Type: ExpRecovery, Name: "Exponential Recovery", Alias: "exp-recovery", Equation: "y = a*(1-exp(-b*x)) + c", NumParams: 3,
		Offset: 2, Factor: 0,
		eval: func(p []float64, x float64) float64 { return p[0]*(1-math.Exp(-p[1]*x)) + p[2] },
	},
	{
		Type: InvRodbard, Name: "Inverse Rodbard", Alias: "inv-rodbard", Equation: "y = c*((x-a)/(d-x))^(1/b)", NumParams: 4,
		Offset: -1, Factor: 2,
		eval: invRodbard,
	},
	{
		Type: ExpRegression, Name: "Exponential (linear regression)", Alias: "exp-regression", Equation: "y = a*exp(bx)", NumParams: 2,
		Offset: -1, Factor: -1, linearized: true,
		eval: func(p []float64, x float64) float64 { return p[0] * math.Exp(p[1]*x) },
	},
	{
		Type: PowerRegression, Name: "Power (linear regression)", Alias: "power-regression", Equation: "y = a*x^b", NumParams: 2,
		Offset: -1, Factor: -1, linearized: true,
		eval: power,
	},
	polyFamily(Poly5, 5, "5th Degree Polynomial", "poly5"),
	polyFamily(Poly6, 6, "6th Degree Polynomial", "poly6"),
	polyFamily(Poly7, 7, "7th Degree Polynomial", "poly7"),
	polyFamily(Poly8, 8, "8th Degree Polynomial", "poly8"),
	{
		Type: GaussianNoOffset, Name: "Gaussian (no offset)", Alias: "gaussian-nooffset", Equation: "y = a*exp(-(x-b)*(x-b)/(2*c*c))", NumParams: 3,
		Offset: -1, Factor: 0,
		eval: func(p []float64, x float64) float64 {
			d := x - p[1]
			return p[0] * math.Exp(-d*d/(2*p[2]*p[2]))
		},
	},
	{
		Type: ExpRecoveryNoOffset, Name: "Exponential Recovery (no offset)", Alias: "exp-recovery-nooffset", Equation: "y = a*(1-exp(-b*x))", NumParams: 2,
		Offset: -1, Factor: 0,
		eval: func(p []float64, x float64) float64 { return p[0] * (1 - math.Exp(-p[1]*x)) },
	},
	{
		Type: Chapman, Name: "Chapman-Richards", Alias: "chapman", Equation: "y = a*(1-exp(-b*x))^c", NumParams: 3,
		Offset: -1, Factor: 0,
		eval: func(p []float64, x float64) float64 { return p[0] * math.Pow(1-math.Exp(-p[1]*x), p[2]) },
	},
	{
		Type: Erf, Name: "Error Function", Alias: "erf", Equation: "y = a+b*erf((x-c)/d)", NumParams: 4,
		Offset: 0, Factor: 1,
		eval: func(p []float64, x float64) float64 { return p[0] + p[1]*math.Erf((x-p[2])/p[3]) },
	},
}

var internalFamilies = map[FitType]Family{
	gaussianInternal: {
		Type: gaussianInternal, Name: "Gaussian (internal)", Equation: "y = a + b*exp(-(x-c)*(x-c)/(2*d*d))", NumParams: 4,
		Offset: 0, Factor: 1,
		eval: func(p []float64, x float64) float64 {
			d := x - p[2]
			return p[0] + p[1]*math.Exp(-d*d/(2*p[3]*p[3]))
		},
	},
	rodbardInternal: {
		Type: rodbardInternal, Name: "Rodbard (internal)", Equation: "y = d+a/(1+(x/c)^b)", NumParams: 4,
		Offset: 3, Factor: 0,
		eval: func(p []float64, x float64) float64 {
			return p[3] + p[0]/(1+math.Pow(x/p[2], p[1]))
		},
	},
}

// displayOrder lists the families the way they are presented to users.
var displayOrder = [...]FitType{
	StraightLine, Poly2, Poly3, Poly4, Poly5, Poly6, Poly7, Poly8,
	Exponential, ExpWithOffset, ExpRecovery, ExpRecoveryNoOffset, ExpRegression,
	Power, PowerRegression, Log, Log2,
	Gaussian, GaussianNoOffset, Erf,
	Rodbard, InvRodbard, RodbardNIH, GammaVariate, Chapman,
}

// Lookup returns the family of a built-in fit type.
func Lookup(t FitType) (Family, error) {
	if t >= 0 && int(t) < len(families) {
		return families[t], nil
	}
	if f, ok := internalFamilies[t]; ok {
		return f, nil
	}
	return Family{}, &InvalidArgumentError{Arg: "fitType", Reason: "unknown fit type code " + strconv.Itoa(int(t))}
}

// LookupName finds a built-in family by name, alias or code, ignoring case.
func LookupName(name string) (Family, error) {
	name = strings.TrimSpace(name)
	for _, f := range families {
		if strings.EqualFold(f.Name, name) || strings.EqualFold(f.Alias, name) || strconv.Itoa(int(f.Type)) == name {
			return f, nil
		}
	}
	return Family{}, &InvalidArgumentError{Arg: "fitType", Reason: "unknown fit type " + name}
}

// Families returns the built-in families in display order.
func Families() []Family {
	out := make([]Family, 0, len(displayOrder))
	for _, t := range displayOrder {
		out = append(out, families[t])
	}
	return out
}

// Eval evaluates a built-in family at x.
func Eval(t FitType, params []float64, x float64) float64 {
	f, err := Lookup(t)
	if err != nil || len(params) < f.NumParams {
		return math.NaN()
	}
	return f.eval(params, x)
}

// work returns the family that is minimized in place of f.
func (f Family) work() Family {
	if f.internal != 0 {
		return internalFamilies[f.internal]
	}
	return f
}
