package waveform

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/glaze/internal/config"
	"github.com/banshee-data/glaze/internal/glazeerr"
	"github.com/banshee-data/glaze/internal/testutil"
)

func nonuniformWaveform(t *testing.T) *Unprocessed {
	t.Helper()
	rng := rand.New(rand.NewPCG(42, 0))
	time := testutil.Linspace(0, 50, 51, true)
	signal := make([]float64, len(time))
	for i := range time {
		time[i] += rng.Float64() - 0.5
		signal[i] = math.Sin(time[i])
	}
	w, err := New(time, signal)
	require.NoError(t, err)
	return w
}

func fixture(t *testing.T, gen func() ([]float64, []float64)) *Unprocessed {
	t.Helper()
	time, signal := gen()
	w, err := New(time, signal)
	require.NoError(t, err)
	return w
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New([]float64{0, 1}, []float64{0})
	assert.ErrorIs(t, err, glazeerr.ErrShape)

	_, err = NewSegmented([]float64{0, 1}, []float64{0, 1}, []int{0}, []config.Interval{{Start: 0, End: 1}})
	assert.ErrorIs(t, err, glazeerr.ErrShape)

	_, err = NewSegmented([]float64{0, 1}, []float64{0, 1}, []int{0, 1}, []config.Interval{{Start: 0, End: 1}})
	assert.ErrorIs(t, err, glazeerr.ErrShape)
}

func TestFromPolarCoords(t *testing.T) {
	t.Parallel()

	time, signal := testutil.GaussianDerivativePulse()
	radius := make([]float64, len(signal))
	angle := make([]float64, len(signal))
	maxIdx := 0
	for i, v := range signal {
		radius[i] = math.Abs(v)
		if radius[i] > radius[maxIdx] {
			maxIdx = i
		}
	}
	positive := func(v float64) bool { return v > 0 }
	for i, v := range signal {
		if positive(v) == positive(signal[maxIdx]) {
			angle[i] = 120
		} else {
			angle[i] = 300
		}
	}

	w, err := FromPolarCoords(time, radius, angle)
	require.NoError(t, err)
	// Samples sharing the sign of the largest reading sit at 120 degrees
	// and demodulate negative.
	flip := 1.0
	if signal[maxIdx] > 0 {
		flip = -1
	}
	got := w.Signal()
	for i := range signal {
		assert.Equal(t, flip*signal[i], got[i], "index %d", i)
	}
}

func TestReconstructCubicSpline(t *testing.T) {
	t.Parallel()

	w := nonuniformWaveform(t)
	r, err := w.Reconstruct(CubicSpline)
	require.NoError(t, err)
	assert.Equal(t, w.Len(), r.Len())

	time := r.Time()
	orig := w.Time()
	assert.Equal(t, orig[0], time[0])
	assert.Equal(t, orig[len(orig)-1], time[len(time)-1])
	dt := time[1] - time[0]
	for i := 1; i < len(time); i++ {
		assert.InEpsilon(t, dt, time[i]-time[i-1], 1e-9)
	}

	p, err := r.AsPulse()
	require.NoError(t, err)
	assert.Equal(t, r.Len(), p.Len())
}

func TestReconstructIsIdempotent(t *testing.T) {
	t.Parallel()

	once, err := nonuniformWaveform(t).Reconstruct(CubicSpline)
	require.NoError(t, err)
	twice, err := once.Reconstruct(CubicSpline)
	require.NoError(t, err)

	testutil.AssertAllClose(t, twice.Time(), once.Time(), 1e-12, 0)
	testutil.AssertAllClose(t, twice.Signal(), once.Signal(), 1e-9, 1e-12)
}

func TestReconstructDecreasing(t *testing.T) {
	t.Parallel()

	time := []float64{5, 4, 3, 2, 1, 0}
	signal := []float64{25, 16, 9, 4, 1, 0}
	w, err := New(time, signal)
	require.NoError(t, err)

	r, err := w.Reconstruct(CubicSpline)
	require.NoError(t, err)
	testutil.AssertAllClose(t, r.Time(), []float64{0, 1, 2, 3, 4, 5}, 0, 1e-12)
	// A cubic spline reproduces a quadratic exactly.
	testutil.AssertAllClose(t, r.Signal(), []float64{0, 1, 4, 9, 16, 25}, 0, 1e-9)
}

func TestReconstructErrors(t *testing.T) {
	t.Parallel()

	w := nonuniformWaveform(t)
	_, err := w.Reconstruct("unknown_method")
	assert.ErrorIs(t, err, glazeerr.ErrConfiguration)
	assert.ErrorContains(t, err, "unknown reconstruction")

	few, err := New([]float64{0, 1, 2, 2}, []float64{0, 1, 2, 3})
	require.NoError(t, err)
	_, err = few.Reconstruct(CubicSpline)
	assert.ErrorIs(t, err, glazeerr.ErrReconstruction)

	turn, err := New([]float64{0, 1, 2, 3, 2.5, 1.5}, []float64{0, 1, 2, 3, 4, 5})
	require.NoError(t, err)
	_, err = turn.Reconstruct(CubicSpline)
	assert.ErrorIs(t, err, glazeerr.ErrShape)
}

func TestAsPulseRequiresUniform(t *testing.T) {
	t.Parallel()

	_, err := nonuniformWaveform(t).AsPulse()
	assert.ErrorIs(t, err, glazeerr.ErrReconstruction)
}

func TestAverage(t *testing.T) {
	t.Parallel()

	w := nonuniformWaveform(t)
	avg, err := Average([]*Unprocessed{w, w})
	require.NoError(t, err)
	assert.Equal(t, w.Signal(), avg.Signal())
	assert.Equal(t, w.Time(), avg.Time())

	_, err = Average(nil)
	assert.ErrorIs(t, err, glazeerr.ErrConfiguration)
}

func TestFromDict(t *testing.T) {
	t.Parallel()

	w, err := FromDict(map[string][]float64{"time": {0, 1, 2}, "signal": {0.1, 0.2, 0.3}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, w.Time())
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, w.Signal())

	back, err := FromDict(w.ToNativeDict())
	require.NoError(t, err)
	assert.Equal(t, w.Time(), back.Time())

	_, err = FromDict(map[string][]float64{"time": {0}})
	assert.ErrorIs(t, err, glazeerr.ErrShape)
}

func assertMonotonic(t *testing.T, x []float64, increasing bool) {
	t.Helper()
	for i := 1; i < len(x); i++ {
		if increasing {
			require.Greater(t, x[i], x[i-1], "index %d", i)
		} else {
			require.Less(t, x[i], x[i-1], "index %d", i)
		}
	}
}

func TestFromTriangularWaveform(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		gen  func() ([]float64, []float64)
		ramp Ramp
		want int
	}{
		{"up-down fixture, down", testutil.TriangularUpDown, RampDown, 100},
		{"up-down fixture, split up", testutil.TriangularUpDown, RampUp, 100},
		{"down-up fixture, up", testutil.TriangularDownUp, RampUp, 101},
		{"down-up fixture, split down", testutil.TriangularDownUp, RampDown, 102},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := fixture(t, tc.gen)
			picked, err := w.FromTriangularWaveform(tc.ramp)
			require.NoError(t, err)
			assert.Equal(t, tc.want, picked.Len())
			assertMonotonic(t, picked.Time(), tc.ramp == RampUp)

			r, err := picked.Reconstruct(CubicSpline)
			require.NoError(t, err)
			p, err := r.AsPulse()
			require.NoError(t, err)
			assert.Equal(t, picked.Len(), p.Len())
		})
	}
}

func TestFromTriangularWaveformUsesIntervals(t *testing.T) {
	t.Parallel()

	// Rise, hold, fall. The hold samples carry no direction of their own.
	intervals := []config.Interval{{Start: 0, End: 1}, {Start: 1, End: 1}, {Start: 1, End: 0}}
	time := []float64{0, 1, 2, 3, 3, 3, 3, 2.5, 1.5, 0.5}
	signal := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	segments := []int{0, 0, 0, 0, 1, 1, 1, 2, 2, 2}
	w, err := NewSegmented(time, signal, segments, intervals)
	require.NoError(t, err)

	down, err := w.FromTriangularWaveform(RampDown)
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, 1.5, 0.5}, down.Time())
	assert.Equal(t, []float64{7, 8, 9}, down.Signal())
	assert.Equal(t, []int{2, 2, 2}, down.Segments())

	up, err := w.FromTriangularWaveform(RampUp)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2, 3}, up.Time())
}

func TestFromTriangularWaveformErrors(t *testing.T) {
	t.Parallel()

	w := nonuniformWaveform(t)
	_, err := w.FromTriangularWaveform("wrong")
	assert.ErrorIs(t, err, glazeerr.ErrConfiguration)

	_, err = w.FromTriangularWaveform(RampDown)
	assert.ErrorIs(t, err, glazeerr.ErrShape, "monotonic scan has no down ramp")

	saw, err := New([]float64{0, 1, 2, 1, 0, 1, 2, 1, 0}, make([]float64, 9))
	require.NoError(t, err)
	_, err = saw.FromTriangularWaveform(RampUp)
	assert.ErrorIs(t, err, glazeerr.ErrShape, "two rises is ambiguous")
}
