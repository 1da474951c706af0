package pulse

import (
	"math"

	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/glaze/internal/glazeerr"
)

// FilterKind selects the pass band of Filter.
type FilterKind string

const (
	LowPass  FilterKind = "lowpass"
	HighPass FilterKind = "highpass"
)

// DefaultTaps is the FIR length used by LowPass and HighPass.
const DefaultTaps = 101

// LowPass removes content above cutoff Hz.
func (p *Pulse) LowPass(cutoff float64) (*Pulse, error) {
	return p.Filter(LowPass, cutoff, DefaultTaps)
}

// HighPass removes content below cutoff Hz.
func (p *Pulse) HighPass(cutoff float64) (*Pulse, error) {
	return p.Filter(HighPass, cutoff, DefaultTaps)
}

// Filter applies a Hamming-windowed sinc FIR filter with the given number
// of taps. The kernel is symmetric and applied centred on each sample, so
// the result has zero phase delay and keeps the time axis. taps is rounded
// up to an odd number and capped at the pulse length. The cutoff must lie
// strictly between 0 and the Nyquist frequency.
func (p *Pulse) Filter(kind FilterKind, cutoff float64, taps int) (*Pulse, error) {
	fs := p.SamplingFreq()
	nyquist := fs / 2
	if !(cutoff > 0) || cutoff >= nyquist {
		return nil, glazeerr.Configf("filter cutoff %g Hz must be between 0 and the Nyquist frequency %g Hz", cutoff, nyquist)
	}
	if taps > p.Len() {
		taps = p.Len()
	}
	if taps%2 == 0 {
		taps--
	}
	if taps < 3 {
		return nil, glazeerr.Configf("filter needs at least 3 taps, got %d", taps)
	}

	h := lowPassKernel(taps, cutoff/fs)
	switch kind {
	case LowPass:
	case HighPass:
		// Spectral inversion of the matching low-pass kernel.
		floats.Scale(-1, h)
		h[taps/2] += 1
	default:
		return nil, glazeerr.Configf("unknown filter type %q", kind)
	}
	return newUnchecked(p.Time(), convolveSame(p.signal, h), p.SignalErr()), nil
}

// lowPassKernel returns a unity-DC-gain windowed sinc with normalised
// cutoff fc in cycles per sample.
func lowPassKernel(taps int, fc float64) []float64 {
	h := make([]float64, taps)
	mid := float64(taps-1) / 2
	for i := range h {
		x := float64(i) - mid
		if x == 0 {
			h[i] = 2 * fc
			continue
		}
		h[i] = math.Sin(2*math.Pi*fc*x) / (math.Pi * x)
	}
	window.Hamming(h)
	floats.Scale(1/floats.Sum(h), h)
	return h
}

// convolveSame convolves x with an odd-length kernel centred on each
// sample, treating samples outside x as zero.
func convolveSame(x, h []float64) []float64 {
	half := len(h) / 2
	out := make([]float64, len(x))
	for i := range x {
		var acc float64
		for k, hk := range h {
			j := i + half - k
			if j < 0 || j >= len(x) {
				continue
			}
			acc += hk * x[j]
		}
		out[i] = acc
	}
	return out
}
