package minimizer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/optimize"
)

// shiftedQuadratic has its minimum value 1 at center; the offset keeps the
// relative error limit meaningful near the minimum.
func shiftedQuadratic(center []float64) Objective {
	return func(p []float64) float64 {
		sum := 1.0
		for i, c := range center {
			d := p[i] - c
			sum += float64(i+1) * d * d
		}
		return sum
	}
}

func TestParamsBeforeMinimizeAreNaN(t *testing.T) {
	m := New(shiftedQuadratic([]float64{1, 2, 3}), 3)

	params := m.Params()
	require.Len(t, params, 4)
	for i, p := range params {
		assert.True(t, math.IsNaN(p), "param %d should be NaN, got %v", i, p)
	}
}

func TestMinimizeConvexQuadratics(t *testing.T) {
	for dim := 1; dim <= 8; dim++ {
		t.Run(fmt.Sprintf("dim=%d", dim), func(t *testing.T) {
			center := make([]float64, dim)
			start := make([]float64, dim)
			variations := make([]float64, dim)
			for i := range center {
				center[i] = float64(i) - 2.5
				start[i] = center[i] + 0.5
				variations[i] = 1
			}

			m := New(shiftedQuadratic(center), dim)
			m.SetRandomSeed(7)
			status := m.Minimize(context.Background(), start, variations)

			require.Equal(t, Success, status, "status: %s", status)
			res := m.Result()
			assert.InDelta(t, 1.0, res.Value, 1e-9)
			for i := range center {
				assert.InDelta(t, center[i], res.Params[i], 1e-3, "param %d", i)
			}
			assert.Equal(t, res.Value, m.Params()[dim], "value slot must hold the objective")
			assert.GreaterOrEqual(t, m.CompletedMinimizations(), 2)
		})
	}
}

// rosenbrock is offset by 1 so the relative error limit applies at the
// minimum (1, 1).
func rosenbrock(p []float64) float64 {
	a := 1 - p[0]
	b := p[1] - p[0]*p[0]
	return 1 + a*a + 100*b*b
}

func TestMinimizeAgreesWithGonumNelderMead(t *testing.T) {
	start := []float64{-1.2, 1}

	ref, err := optimize.Minimize(optimize.Problem{Func: rosenbrock}, start, &optimize.Settings{
		MajorIterations: 5000,
		FuncEvaluations: 20000,
	}, &optimize.NelderMead{})
	require.NoError(t, err)

	m := New(rosenbrock, 2)
	m.SetRandomSeed(1)
	status := m.Minimize(context.Background(), start, nil)
	require.True(t, status.Accurate() || status == MaxRestartsExceeded, "status %s", status)

	res := m.Result()
	for i := range ref.X {
		assert.InDelta(t, ref.X[i], res.Params[i], 1e-3, "param %d", i)
	}
	assert.InDelta(t, ref.F, res.Value, 1e-6)
}

func TestMinimizeDeterministic(t *testing.T) {
	run := func() []float64 {
		m := New(shiftedQuadratic([]float64{3, -1, 0.25}), 3)
		m.SetRandomSeed(12345)
		m.Minimize(context.Background(), []float64{0, 0, 0}, nil)
		return m.Params()
	}

	first := run()
	for i := 0; i < 3; i++ {
		again := run()
		for j := range first {
			assert.Equal(t, math.Float64bits(first[j]), math.Float64bits(again[j]), "run %d param %d", i, j)
		}
	}
}

func TestMinimizeSingleThreadMatchesShape(t *testing.T) {
	m := New(shiftedQuadratic([]float64{2, 2}), 2)
	m.SetSingleThread(true)
	m.SetRandomSeed(3)

	status := m.Minimize(context.Background(), nil, nil)
	require.Equal(t, Success, status)
	assert.InDelta(t, 2, m.Result().Params[0], 1e-3)
	assert.InDelta(t, 2, m.Result().Params[1], 1e-3)
}

func TestMinimizeNaNStartIsRecovered(t *testing.T) {
	// Domain is x > 0; the start point sits on the boundary.
	f := func(p []float64) float64 {
		if p[0] <= 0 {
			return math.NaN()
		}
		return 1 + (math.Log(p[0])-1)*(math.Log(p[0])-1)
	}
	m := New(f, 1)
	status := m.Minimize(context.Background(), []float64{0}, []float64{1})

	require.False(t, status.Terminal(), "status: %s", status)
	assert.InDelta(t, math.E, m.Result().Params[0], 1e-3)
}

func TestMinimizeInitializationFailure(t *testing.T) {
	m := New(func([]float64) float64 { return math.NaN() }, 2)
	status := m.Minimize(context.Background(), []float64{1, 1}, nil)

	assert.Equal(t, InitializationFailure, status)
	for _, p := range m.Params() {
		assert.True(t, math.IsNaN(p))
	}
}

func TestAbortFromObjective(t *testing.T) {
	var m *Minimizer
	var calls atomic.Int64
	m = New(func(p []float64) float64 {
		if calls.Add(1) == 200 {
			m.Abort()
		}
		return 1 + p[0]*p[0] + p[1]*p[1]
	}, 2)

	status := m.Minimize(context.Background(), []float64{5, 5}, nil)

	assert.Equal(t, Aborted, status)
	res := m.Result()
	require.False(t, math.IsNaN(res.Value))
	assert.Less(t, res.Value, 51.0, "best vertex so far should be kept")
}

func TestContextCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(shiftedQuadratic([]float64{0}), 1)
	assert.Equal(t, Aborted, m.Minimize(ctx, []float64{1}, nil))
}

func TestMaxIterationsExceeded(t *testing.T) {
	// Rosenbrock needs far more than 30 steps.
	f := func(p []float64) float64 {
		a := 1 - p[0]
		b := p[1] - p[0]*p[0]
		return 1 + a*a + 100*b*b
	}
	m := New(f, 2)
	m.SetMaxIterations(30)

	status := m.Minimize(context.Background(), []float64{-1.2, 1}, nil)

	assert.Equal(t, MaxIterationsExceeded, status)
	assert.False(t, status.Accurate())
	assert.LessOrEqual(t, m.Iterations(), 2*30)
	assert.False(t, math.IsNaN(m.Result().Value))
}

func TestZeroRestartsAcceptsSingleResult(t *testing.T) {
	m := New(shiftedQuadratic([]float64{4}), 1)
	m.SetMaxRestarts(0)

	status := m.Minimize(context.Background(), []float64{0}, []float64{1})

	require.Equal(t, Success, status)
	assert.Equal(t, 1, m.CompletedMinimizations())
	assert.InDelta(t, 4, m.Result().Params[0], 1e-3)
}

func TestParamResolutionsStopEarly(t *testing.T) {
	fine := New(shiftedQuadratic([]float64{1, 1}), 2)
	fine.SetRandomSeed(5)
	fine.Minimize(context.Background(), []float64{0, 0}, nil)

	coarse := New(shiftedQuadratic([]float64{1, 1}), 2)
	coarse.SetRandomSeed(5)
	coarse.SetParamResolutions([]float64{0.1, 0.1})
	coarse.Minimize(context.Background(), []float64{0, 0}, nil)

	assert.Less(t, coarse.Iterations(), fine.Iterations())
	assert.InDelta(t, 1, coarse.Result().Params[0], 0.5)
}

func TestProgressReported(t *testing.T) {
	var reports []Progress
	m := New(shiftedQuadratic([]float64{1}), 1)
	m.SetProgressFunc(func(p Progress) { reports = append(reports, p) })

	m.Minimize(context.Background(), []float64{0}, nil)

	require.NotEmpty(t, reports)
	assert.Equal(t, m.CompletedMinimizations(), len(reports))
	last := reports[len(reports)-1]
	assert.Equal(t, m.Iterations(), last.Iterations)
	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i].Iterations, reports[i-1].Iterations)
	}
}

func TestStatusStrings(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{Success, false},
		{InitializationFailure, true},
		{Aborted, true},
		{ReinitializationFailure, false},
		{MaxIterationsExceeded, false},
		{MaxRestartsExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.NotEqual(t, "Unknown status", tt.status.String())
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
	assert.Equal(t, "Unknown status", Status(42).String())
}

func TestDescentCapIsReported(t *testing.T) {
	m := New(rosenbrock, 2)
	m.SetMaxIterations(100)
	r := &run{
		m:          m,
		ctx:        context.Background(),
		rng:        rand.New(rand.NewSource(1)),
		n:          2,
		budget:     1_000_000,
		variations: []float64{0.1, 0.1},
		simp:       make([]Vertex, 3),
	}
	require.True(t, r.initialize([]float64{-1.2, 1}))

	status, capped := r.descend()

	assert.Equal(t, Success, status)
	assert.True(t, capped)
	assert.Equal(t, 4*(100/10)+1, r.iter)
}

func TestCappedDescentsKeepReinitializing(t *testing.T) {
	m := New(rosenbrock, 2)
	m.SetMaxIterations(100)

	o := m.minimizeOnce(context.Background(), 0, 0, 1, 1_000_000, []float64{-1.2, 1}, []float64{0.1, 0.1})

	require.Equal(t, Success, o.status)
	assert.Greater(t, o.iter, 4*(100/10)+1, "descends past the first cap")
	assert.InDelta(t, 1, o.best.Params[0], 1e-3)
	assert.InDelta(t, 1, o.best.Params[1], 1e-3)
	assert.InDelta(t, 1, o.best.Value, 1e-8)
}
