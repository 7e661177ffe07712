package fit

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// CustomFunc is a user-defined fit function. It must not modify p.
type CustomFunc func(p []float64, x float64) float64

// paramLetters are the parameter names allowed in formulas, in order.
const paramLetters = "abcdef"

// formulaEnv is the expression environment of a custom formula.
type formulaEnv struct {
	A float64 `expr:"a"`
	B float64 `expr:"b"`
	C float64 `expr:"c"`
	D float64 `expr:"d"`
	E float64 `expr:"e"`
	F float64 `expr:"f"`
	X float64 `expr:"x"`
}

func (env *formulaEnv) set(letter byte, v float64) {
	switch letter {
	case 'a':
		env.A = v
	case 'b':
		env.B = v
	case 'c':
		env.C = v
	case 'd':
		env.D = v
	case 'e':
		env.E = v
	case 'f':
		env.F = v
	}
}

// formula is a compiled custom fit formula.
type formula struct {
	source  string
	letters []byte // parameter letters present, alphabetical
	program *vm.Program
}

// formulaTokens returns the identifiers of a formula.
func formulaTokens(src string) map[string]bool {
	tokens := make(map[string]bool)
	words := strings.FieldsFunc(src, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.'
	})
	for _, w := range words {
		if w == "" || unicode.IsDigit(rune(w[0])) || w[0] == '.' {
			continue
		}
		tokens[w] = true
	}
	return tokens
}

// countFormulaParams returns the parameter letters of a formula, or nil when
// it lacks x or y.
func countFormulaParams(src string) []byte {
	tokens := formulaTokens(src)
	if !tokens["x"] || !tokens["y"] {
		return nil
	}
	var letters []byte
	for i := 0; i < len(paramLetters); i++ {
		if tokens[paramLetters[i:i+1]] {
			letters = append(letters, paramLetters[i])
		}
	}
	return letters
}

func unary(name string, fn func(float64) float64) expr.Option {
	return expr.Function(name, func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("%s expects one argument, got %d", name, len(params))
		}
		v, err := toFloat(params[0])
		if err != nil {
			return nil, err
		}
		return fn(v), nil
	})
}

func binary(name string, fn func(float64, float64) float64) expr.Option {
	return expr.Function(name, func(params ...any) (any, error) {
		if len(params) != 2 {
			return nil, fmt.Errorf("%s expects two arguments, got %d", name, len(params))
		}
		a, err := toFloat(params[0])
		if err != nil {
			return nil, err
		}
		b, err := toFloat(params[1])
		if err != nil {
			return nil, err
		}
		return fn(a, b), nil
	})
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	}
	return 0, fmt.Errorf("not a number: %v", v)
}

var formulaOptions = []expr.Option{
	expr.Env(formulaEnv{}),
	expr.AsFloat64(),
	unary("exp", math.Exp),
	unary("ln", math.Log),
	unary("log", math.Log),
	unary("log10", math.Log10),
	unary("sqrt", math.Sqrt),
	unary("sin", math.Sin),
	unary("cos", math.Cos),
	unary("tan", math.Tan),
	unary("asin", math.Asin),
	unary("acos", math.Acos),
	unary("atan", math.Atan),
	unary("sinh", math.Sinh),
	unary("cosh", math.Cosh),
	unary("tanh", math.Tanh),
	unary("erf", math.Erf),
	binary("pow", math.Pow),
	binary("atan2", math.Atan2),
}

// compileFormula compiles "y = <expression>". The right-hand side is an
// expression over x and the parameters a to f.
func compileFormula(src string) (*formula, error) {
	letters := countFormulaParams(src)
	if len(letters) == 0 {
		return nil, fmt.Errorf("formula must contain x, y and at least one of the parameters a to f")
	}
	rhs := src
	if i := strings.Index(src, "="); i >= 0 {
		lhs := strings.TrimSpace(src[:i])
		if lhs != "y" {
			return nil, fmt.Errorf("formula must have the form y = ..., got left side %q", lhs)
		}
		rhs = src[i+1:]
	}
	if formulaTokens(rhs)["y"] {
		return nil, fmt.Errorf("y may only appear on the left side")
	}
	program, err := expr.Compile(strings.TrimSpace(rhs), formulaOptions...)
	if err != nil {
		return nil, fmt.Errorf("compile formula: %w", err)
	}
	return &formula{source: src, letters: letters, program: program}, nil
}

// eval evaluates the formula; p holds the values of the parameter letters
// present, in alphabetical order. Runtime errors yield NaN.
func (f *formula) eval(p []float64, x float64) float64 {
	env := formulaEnv{X: x}
	for i, l := range f.letters {
		env.set(l, p[i])
	}
	out, err := expr.Run(f.program, env)
	if err != nil {
		return math.NaN()
	}
	v, ok := out.(float64)
	if !ok {
		return math.NaN()
	}
	return v
}

// paramNames returns the display names of the parameters.
func (f *formula) paramNames() []string {
	names := make([]string, len(f.letters))
	for i, l := range f.letters {
		names[i] = string(l)
	}
	return names
}

// detectOffsetFactor finds a purely additive and a purely multiplicative
// parameter of a custom function by probing it at the data points. It
// returns -1 for a role no parameter fills.
func detectOffsetFactor(eval evalFunc, numParams int, x []float64, start []float64) (offset, factor int) {
	offset, factor = -1, -1
	base := make([]float64, numParams)
	for i := range base {
		base[i] = 1 + 0.1*float64(i)
		if i < len(start) && start[i] != 0 && !math.IsNaN(start[i]) && !math.IsInf(start[i], 0) {
			base[i] = start[i]
		}
	}
	f1 := evalAll(eval, base, x)
	if f1 == nil {
		return -1, -1
	}

	with := func(i int, v float64) []float64 {
		p := make([]float64, numParams)
		copy(p, base)
		p[i] = v
		return evalAll(eval, p, x)
	}

	for i := 0; i < numParams && offset < 0; i++ {
		delta := 0.5 * math.Max(1, math.Abs(base[i]))
		f2 := with(i, base[i]+delta)
		if f2 == nil {
			continue
		}
		isOffset := true
		for k := range f1 {
			if !nearlyEqual(f2[k]-f1[k], delta, f1[k]) {
				isOffset = false
				break
			}
		}
		if isOffset {
			offset = i
		}
	}

	for i := 0; i < numParams; i++ {
		if i == offset {
			continue
		}
		f0 := with(i, 0)
		f2 := with(i, 2*base[i])
		if f0 == nil || f2 == nil {
			continue
		}
		rest := 0.0
		if offset >= 0 {
			rest = base[offset]
		}
		isFactor, varies := true, false
		for k := range f1 {
			if !nearlyEqual(f0[k], rest, f1[k]) || !nearlyEqual(f2[k]-f1[k], f1[k]-f0[k], f1[k]) {
				isFactor = false
				break
			}
			if f1[k] != f0[k] {
				varies = true
			}
		}
		if isFactor && varies {
			factor = i
			break
		}
	}
	return offset, factor
}

func evalAll(eval evalFunc, p, x []float64) []float64 {
	out := make([]float64, len(x))
	for i, xi := range x {
		out[i] = eval(p, xi)
		if math.IsNaN(out[i]) || math.IsInf(out[i], 0) {
			return nil
		}
	}
	return out
}

func nearlyEqual(a, b, scale float64) bool {
	tol := 1e-10 * math.Max(1, math.Max(math.Abs(scale), math.Max(math.Abs(a), math.Abs(b))))
	return math.Abs(a-b) <= tol
}
