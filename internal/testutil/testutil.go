// Package testutil provides shared test utilities and fixtures.
//
// Fixtures return plain slices so that any package, including the ones
// producing pulses and waveforms, can use them from its own tests.
package testutil

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertAllClose fails the test unless got and want have the same length
// and every element satisfies |got-want| <= atol + rtol*|want|.
func AssertAllClose(t *testing.T, got, want []float64, rtol, atol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > atol+rtol*math.Abs(want[i]) {
			t.Fatalf("index %d: got %g, want %g (rtol=%g atol=%g)", i, got[i], want[i], rtol, atol)
		}
	}
}

// Linspace returns n evenly spaced values from start to end. With
// endpoint false the end value is excluded.
func Linspace(start, end float64, n int, endpoint bool) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{start}
	}
	if endpoint {
		return floats.Span(make([]float64, n), start, end)
	}
	out := make([]float64, n)
	step := (end - start) / float64(n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// Arange returns n samples spaced dt apart starting at zero.
func Arange(n int, dt float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i) * dt
	}
	return out
}

// GaussianDerivative evaluates the first derivative of a Gaussian centred
// at t0, normalised to a peak magnitude of 1. It is the usual stand-in for
// a single-cycle terahertz pulse.
func GaussianDerivative(times []float64, t0, sigma float64) []float64 {
	out := make([]float64, len(times))
	for i, t := range times {
		x := t - t0
		out[i] = -x * math.Exp(-x*x/(2*sigma*sigma))
	}
	if len(out) == 0 {
		return out
	}
	if peak := floats.Max(absAll(out)); peak > 0 {
		floats.Scale(1/peak, out)
	}
	return out
}

// GaussianDerivativePulse returns the standard test pulse: 1000 samples at
// 0.1 ps spacing with a 0.3 ps wide pulse centred at 10 ps.
func GaussianDerivativePulse() (time, signal []float64) {
	time = Arange(1000, 0.1e-12)
	return time, GaussianDerivative(time, 10e-12, 0.3e-12)
}

// TriangularUpDown returns a scan that rises from pi to 2*pi, falls from
// 2*pi to 0 and rises again to pi, sampled with a sine signal. The full
// up-ramp is split across the scan origin.
func TriangularUpDown() (time, signal []float64) {
	var half []float64
	half = append(half, Linspace(math.Pi/2, math.Pi, 50, false)...)
	half = append(half, Linspace(math.Pi, 0, 100, false)...)
	half = append(half, Linspace(0, math.Pi/2, 50, false)...)
	return sineOf(half)
}

// TriangularDownUp mirrors TriangularUpDown: a fall, a full rise and a
// fall back to the start.
func TriangularDownUp() (time, signal []float64) {
	var half []float64
	half = append(half, Linspace(math.Pi/2, 0, 51, false)...)
	half = append(half, Linspace(0, math.Pi, 101, false)...)
	half = append(half, Linspace(math.Pi, math.Pi/2, 51, false)...)
	return sineOf(half)
}

func sineOf(half []float64) (time, signal []float64) {
	time = make([]float64, len(half))
	signal = make([]float64, len(half))
	for i, h := range half {
		time[i] = 2 * h
		signal[i] = math.Sin(2 * h)
	}
	return time, signal
}

func absAll(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Abs(v)
	}
	return out
}
