package waveform

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/glaze/internal/glazeerr"
)

// CubicSpline is the only supported reconstruction method.
const CubicSpline = "cubic_spline"

// minSplinePoints is the fewest distinct samples a cubic fit accepts.
const minSplinePoints = 4

// Reconstruct resamples the waveform onto a uniform grid spanning
// [min(time), max(time)] with the same number of points, using a
// not-a-knot cubic spline. The grid never leaves the input bounds. The
// input must be strictly monotonic in time; a decreasing ramp is resampled
// in increasing time order.
func (w *Unprocessed) Reconstruct(method string) (*Unprocessed, error) {
	if method != CubicSpline {
		return nil, glazeerr.Configf("unknown reconstruction method %q", method)
	}
	if d := distinct(w.time); d < minSplinePoints {
		return nil, glazeerr.Reconstructf("cubic spline needs at least %d distinct time points, got %d", minSplinePoints, d)
	}

	n := w.Len()
	xs, ys := w.Time(), w.Signal()
	increasing := xs[1] > xs[0]
	for i := 1; i < n; i++ {
		if (increasing && xs[i] <= xs[i-1]) || (!increasing && xs[i] >= xs[i-1]) {
			return nil, glazeerr.Shapef("time is not strictly monotonic at index %d", i)
		}
	}
	if !increasing {
		floats.Reverse(xs)
		floats.Reverse(ys)
	}

	var spline interp.NotAKnotCubic
	if err := spline.Fit(xs, ys); err != nil {
		return nil, glazeerr.Reconstructf("failed to fit cubic spline: %v", err)
	}

	grid := floats.Span(make([]float64, n), xs[0], xs[n-1])
	signal := make([]float64, n)
	for i, t := range grid {
		signal[i] = spline.Predict(t)
	}
	return &Unprocessed{time: grid, signal: signal}, nil
}

func distinct(x []float64) int {
	if len(x) == 0 {
		return 0
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	count := 1
	for i := 1; i < len(s); i++ {
		if s[i] != s[i-1] {
			count++
		}
	}
	return count
}
