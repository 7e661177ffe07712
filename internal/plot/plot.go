// Package plot renders data points and a fitted curve as a PNG chart.
package plot

import (
	"errors"
	"io"
	"math"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
	"gonum.org/v1/gonum/floats"
)

// Options controls the chart layout.
type Options struct {
	Title   string
	Width   int
	Height  int
	Samples int // points along the fitted curve
}

// DefaultOptions returns an 800x500 chart with 200 curve samples.
func DefaultOptions() Options {
	return Options{Width: 800, Height: 500, Samples: 200}
}

// ErrNoData is returned when there are no finite points to plot.
var ErrNoData = errors.New("plot: no finite data points")

func pointStyle(col drawing.Color) chart.Style {
	return chart.Style{
		StrokeWidth: chart.Disabled,
		DotWidth:    3,
		DotColor:    col,
	}
}

// Render writes a PNG with the data as dots and f sampled over the x range
// of the data as a line. Points where f is not finite are left out.
func Render(w io.Writer, x, y []float64, f func(float64) float64, opts Options) error {
	if len(x) != len(y) {
		return errors.New("plot: x and y differ in length")
	}
	var xs, ys []float64
	for i := range x {
		if isFinite(x[i]) && isFinite(y[i]) {
			xs = append(xs, x[i])
			ys = append(ys, y[i])
		}
	}
	if len(xs) == 0 {
		return ErrNoData
	}
	if opts.Samples < 2 {
		opts.Samples = DefaultOptions().Samples
	}

	xMin, xMax := floats.Min(xs), floats.Max(xs)
	yMin, yMax := floats.Min(ys), floats.Max(ys)

	series := []chart.Series{
		chart.ContinuousSeries{Name: "data", XValues: xs, YValues: ys, Style: pointStyle(chart.ColorBlue)},
	}

	if f != nil {
		var fx, fy []float64
		for i := 0; i < opts.Samples; i++ {
			xi := xMin + (xMax-xMin)*float64(i)/float64(opts.Samples-1)
			v := f(xi)
			if !isFinite(v) {
				continue
			}
			fx = append(fx, xi)
			fy = append(fy, v)
			yMin = math.Min(yMin, v)
			yMax = math.Max(yMax, v)
		}
		if len(fx) >= 2 {
			series = append(series, chart.ContinuousSeries{
				Name:    "fit",
				XValues: fx,
				YValues: fy,
				Style:   chart.Style{StrokeColor: chart.ColorRed, StrokeWidth: 2},
			})
		}
	}

	// A zero-width range cannot be drawn
	xMin, xMax = widen(xMin, xMax)
	yMin, yMax = widen(yMin, yMax)

	graph := chart.Chart{
		Title:      opts.Title,
		Width:      opts.Width,
		Height:     opts.Height,
		Background: chart.Style{Padding: chart.Box{Top: 30, Left: 16, Right: 16, Bottom: 16}},
		XAxis:      chart.XAxis{Name: "x", Range: &chart.ContinuousRange{Min: xMin, Max: xMax}},
		YAxis:      chart.YAxis{Name: "y", Range: &chart.ContinuousRange{Min: yMin, Max: yMax}},
		Series:     series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

func widen(lo, hi float64) (float64, float64) {
	if hi > lo {
		pad := 0.05 * (hi - lo)
		return lo - pad, hi + pad
	}
	d := math.Max(1, 0.1*math.Abs(lo))
	return lo - d, hi + d
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
