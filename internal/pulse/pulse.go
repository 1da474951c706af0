// Package pulse holds uniformly sampled time-domain pulses and their
// spectral products.
package pulse

import (
	"encoding/json"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/glaze/internal/glazeerr"
)

// UniformTolerance is the relative deviation from the mean time step that
// still counts as uniform sampling.
const UniformTolerance = 1e-6

// Pulse is a strictly increasing, uniformly spaced time axis with a signal
// sampled on it. A Pulse is immutable: accessors return copies and every
// transform returns a new Pulse. The spectrum is computed on first use.
type Pulse struct {
	time      []float64
	signal    []float64
	signalErr []float64

	once sync.Once
	fft  []complex128
	freq []float64
}

// New copies time and signal into a Pulse.
func New(time, signal []float64) (*Pulse, error) {
	return NewWithError(time, signal, nil)
}

// NewWithError is New with a per-sample uncertainty. signalErr may be nil.
func NewWithError(time, signal, signalErr []float64) (*Pulse, error) {
	if len(time) != len(signal) {
		return nil, glazeerr.Shapef("time has %d samples but signal has %d", len(time), len(signal))
	}
	if signalErr != nil && len(signalErr) != len(signal) {
		return nil, glazeerr.Shapef("signal_err has %d samples but signal has %d", len(signalErr), len(signal))
	}
	if err := CheckUniform(time, UniformTolerance); err != nil {
		return nil, err
	}
	return newUnchecked(clone(time), clone(signal), clone(signalErr)), nil
}

// newUnchecked takes ownership of the slices.
func newUnchecked(time, signal, signalErr []float64) *Pulse {
	return &Pulse{time: time, signal: signal, signalErr: signalErr}
}

// CheckUniform verifies that time has at least two samples, is strictly
// increasing and that every step is within rtol of the mean step.
func CheckUniform(time []float64, rtol float64) error {
	if len(time) < 2 {
		return glazeerr.Reconstructf("a uniform time axis needs at least 2 samples, got %d", len(time))
	}
	dt := (time[len(time)-1] - time[0]) / float64(len(time)-1)
	if !(dt > 0) {
		return glazeerr.Reconstructf("time axis must be strictly increasing")
	}
	for i := 1; i < len(time); i++ {
		step := time[i] - time[i-1]
		if step <= 0 {
			return glazeerr.Reconstructf("time axis must be strictly increasing (index %d)", i)
		}
		if math.Abs(step-dt) > rtol*dt {
			return glazeerr.Reconstructf("time axis is not uniform at index %d: step %g, expected %g", i, step, dt)
		}
	}
	return nil
}

// Len returns the number of samples.
func (p *Pulse) Len() int { return len(p.time) }

// Time returns a copy of the time axis in seconds.
func (p *Pulse) Time() []float64 { return clone(p.time) }

// Signal returns a copy of the signal.
func (p *Pulse) Signal() []float64 { return clone(p.signal) }

// SignalErr returns a copy of the per-sample uncertainty, or nil.
func (p *Pulse) SignalErr() []float64 { return clone(p.signalErr) }

// Dt returns the mean time step.
func (p *Pulse) Dt() float64 {
	return p.TimeWindow() / float64(len(p.time)-1)
}

// TimeWindow returns the span of the time axis.
func (p *Pulse) TimeWindow() float64 {
	return p.time[len(p.time)-1] - p.time[0]
}

// SamplingFreq returns 1/Dt.
func (p *Pulse) SamplingFreq() float64 { return 1 / p.Dt() }

// Df returns the frequency resolution of the spectrum.
func (p *Pulse) Df() float64 { return 1 / (float64(len(p.time)) * p.Dt()) }

func (p *Pulse) spectrum() {
	p.once.Do(func() {
		n := len(p.signal)
		seq := make([]complex128, n)
		for i, v := range p.signal {
			seq[i] = complex(v, 0)
		}
		p.fft = fourier.NewCmplxFFT(n).Coefficients(nil, seq)
		p.freq = fftFreq(n, p.Dt())
	})
}

// FFT returns the full complex spectrum of the signal in FFT order.
func (p *Pulse) FFT() []complex128 {
	p.spectrum()
	out := make([]complex128, len(p.fft))
	copy(out, p.fft)
	return out
}

// Frequency returns the frequency axis matching FFT: non-negative
// frequencies first, then negative frequencies in increasing order.
func (p *Pulse) Frequency() []float64 {
	p.spectrum()
	return clone(p.freq)
}

// fftFreq follows the conventional DFT sample-frequency layout.
func fftFreq(n int, dt float64) []float64 {
	out := make([]float64, n)
	scale := 1 / (float64(n) * dt)
	positive := positiveBins(n)
	for i := 0; i < positive; i++ {
		out[i] = float64(i) * scale
	}
	for i := positive; i < n; i++ {
		out[i] = float64(i-n) * scale
	}
	return out
}

// positiveBins is the number of leading FFT bins with non-negative
// frequency.
func positiveBins(n int) int { return (n-1)/2 + 1 }

// MaximumSpectralDensity returns the largest spectral magnitude.
func (p *Pulse) MaximumSpectralDensity() float64 {
	p.spectrum()
	best := 0.0
	for _, c := range p.fft {
		best = math.Max(best, cmplx.Abs(c))
	}
	return best
}

// CenterFrequency returns the non-negative frequency of the largest
// spectral magnitude.
func (p *Pulse) CenterFrequency() float64 {
	p.spectrum()
	best, idx := -1.0, 0
	for i, c := range p.fft[:positiveBins(len(p.fft))] {
		if a := cmplx.Abs(c); a > best {
			best, idx = a, i
		}
	}
	return p.freq[idx]
}

// SpectrumDB returns 20*log10(|FFT|/max|FFT|), so its maximum is 0 dB.
func (p *Pulse) SpectrumDB() []float64 {
	return p.SpectrumDBRelative(0, 0)
}

// SpectrumDBRelative returns 20*log10(|FFT|/reference + offsetRatio). A
// non-positive reference selects the spectral maximum.
func (p *Pulse) SpectrumDBRelative(reference, offsetRatio float64) []float64 {
	p.spectrum()
	if reference <= 0 {
		reference = p.MaximumSpectralDensity()
	}
	out := make([]float64, len(p.fft))
	if reference == 0 {
		// Silent signal: every bin sits at the offset floor.
		for i := range out {
			out[i] = 20 * math.Log10(offsetRatio)
		}
		return out
	}
	for i, c := range p.fft {
		out[i] = 20 * math.Log10(cmplx.Abs(c)/reference+offsetRatio)
	}
	return out
}

// FromFFT builds a pulse from a time axis and a full complex spectrum by
// inverse transform, keeping the real part.
func FromFFT(time []float64, spectrum []complex128) (*Pulse, error) {
	if len(time) != len(spectrum) {
		return nil, glazeerr.Shapef("time has %d samples but spectrum has %d", len(time), len(spectrum))
	}
	if err := CheckUniform(time, UniformTolerance); err != nil {
		return nil, err
	}
	n := len(spectrum)
	seq := fourier.NewCmplxFFT(n).Sequence(nil, spectrum)
	signal := make([]float64, n)
	for i, c := range seq {
		signal[i] = real(c) / float64(n)
	}
	return newUnchecked(clone(time), signal, nil), nil
}

// Equal reports whether both pulses hold identical samples.
func (p *Pulse) Equal(o *Pulse) bool {
	if p == nil || o == nil {
		return p == o
	}
	if (p.signalErr == nil) != (o.signalErr == nil) {
		return false
	}
	return floats.Equal(p.time, o.time) &&
		floats.Equal(p.signal, o.signal) &&
		floats.Equal(p.signalErr, o.signalErr)
}

func (p *Pulse) String() string {
	return fmt.Sprintf("Pulse(n=%d, dt=%gs, window=%gs)", p.Len(), p.Dt(), p.TimeWindow())
}

// Dictionary keys used by ToNativeDict and FromDict.
const (
	KeyTime      = "time"
	KeySignal    = "signal"
	KeySignalErr = "signal_err"
)

// ToNativeDict returns the primitive attributes as plain slices. Derived
// spectral products are not included; they are recomputed on demand.
func (p *Pulse) ToNativeDict() map[string][]float64 {
	d := map[string][]float64{
		KeyTime:   p.Time(),
		KeySignal: p.Signal(),
	}
	if p.signalErr != nil {
		d[KeySignalErr] = p.SignalErr()
	}
	return d
}

// FromDict rebuilds a pulse from ToNativeDict output.
func FromDict(d map[string][]float64) (*Pulse, error) {
	time, ok := d[KeyTime]
	if !ok {
		return nil, glazeerr.Shapef("missing %q", KeyTime)
	}
	signal, ok := d[KeySignal]
	if !ok {
		return nil, glazeerr.Shapef("missing %q", KeySignal)
	}
	return NewWithError(time, signal, d[KeySignalErr])
}

type pulseJSON struct {
	Time      []float64 `json:"time"`
	Signal    []float64 `json:"signal"`
	SignalErr []float64 `json:"signal_err,omitempty"`
}

// MarshalJSON encodes the primitive attributes.
func (p *Pulse) MarshalJSON() ([]byte, error) {
	return json.Marshal(pulseJSON{Time: p.time, Signal: p.signal, SignalErr: p.signalErr})
}

// UnmarshalJSON decodes and validates a pulse.
func (p *Pulse) UnmarshalJSON(data []byte) error {
	var raw pulseJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := NewWithError(raw.Time, raw.Signal, raw.SignalErr)
	if err != nil {
		return err
	}
	p.time, p.signal, p.signalErr = decoded.time, decoded.signal, decoded.signalErr
	p.once = sync.Once{}
	p.fft, p.freq = nil, nil
	return nil
}

func clone(x []float64) []float64 {
	if x == nil {
		return nil
	}
	out := make([]float64, len(x))
	copy(out, x)
	return out
}
