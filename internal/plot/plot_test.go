package plot

import (
	"bytes"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	x := []float64{0, 1, 2, 3, 4}
	y := []float64{1, 2.9, 5.1, 7, 9}

	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.Title = "y = a+bx"
	err := Render(&buf, x, y, func(v float64) float64 { return 1 + 2*v }, opts)
	require.NoError(t, err)

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 800, img.Bounds().Dx())
	assert.Equal(t, 500, img.Bounds().Dy())
}

func TestRender_ConstantDataAndGaps(t *testing.T) {
	x := []float64{1, 2, 3}
	y := []float64{5, 5, 5}

	var buf bytes.Buffer
	f := func(v float64) float64 {
		if v < 2 {
			return math.NaN()
		}
		return 5
	}
	require.NoError(t, Render(&buf, x, y, f, Options{Width: 300, Height: 200}))
	assert.Greater(t, buf.Len(), 0)
}

func TestRender_NoData(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, []float64{math.NaN()}, []float64{1}, nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrNoData)

	err = Render(&buf, []float64{1, 2}, []float64{1}, nil, DefaultOptions())
	assert.Error(t, err)
}
