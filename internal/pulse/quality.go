package pulse

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/glaze/internal/glazeerr"
)

// bandwidthSmoothing is the half width, in bins, of the moving average
// applied to the power spectrum before searching for the noise floor.
const bandwidthSmoothing = 2

// powerSpectrum returns |X[k]|^2 for the non-negative frequency bins.
func (p *Pulse) powerSpectrum() []float64 {
	p.spectrum()
	out := make([]float64, positiveBins(len(p.fft)))
	for i := range out {
		a := cmplx.Abs(p.fft[i])
		out[i] = a * a
	}
	return out
}

// EstimateAvgNoisePower returns the mean spectral power of the upper half
// of the non-negative spectrum, where a terahertz pulse has no content.
func (p *Pulse) EstimateAvgNoisePower() float64 {
	power := p.powerSpectrum()
	return stat.Mean(power[len(power)/2:], nil)
}

// EstimateSNR returns the power signal-to-noise ratio of every
// non-negative frequency bin.
func (p *Pulse) EstimateSNR() []float64 {
	power := p.powerSpectrum()
	floats.Scale(1/p.EstimateAvgNoisePower(), power)
	return power
}

// EstimateDynamicRange returns the ratio of peak spectral power to the
// average noise power, in dB.
func (p *Pulse) EstimateDynamicRange() float64 {
	msd := p.MaximumSpectralDensity()
	return 10 * math.Log10(msd*msd/p.EstimateAvgNoisePower())
}

// EstimateBandwidth returns the first frequency above the spectral peak
// where the smoothed signal power has fallen to the noise power. It
// returns the Nyquist frequency when the spectrum never reaches the floor.
func (p *Pulse) EstimateBandwidth() float64 {
	power := p.powerSpectrum()
	floor := 2 * p.EstimateAvgNoisePower()
	smoothed := make([]float64, len(power))
	for i := range power {
		lo, hi := max(0, i-bandwidthSmoothing), min(len(power), i+bandwidthSmoothing+1)
		smoothed[i] = stat.Mean(power[lo:hi], nil)
	}
	for i := floats.MaxIdx(power); i < len(smoothed); i++ {
		if smoothed[i] <= floor {
			return p.freq[i]
		}
	}
	return p.freq[len(power)-1]
}

// Downsample keeps the spectrum up to maxFrequency and resamples the pulse
// onto the coarsest grid that still represents it. The time window and
// start are unchanged. SignalErr is dropped.
func (p *Pulse) Downsample(maxFrequency float64) (*Pulse, error) {
	if maxFrequency <= 0 {
		return nil, glazeerr.Configf("downsample limit must be positive, got %g Hz", maxFrequency)
	}
	p.spectrum()
	n := len(p.fft)
	kMax := int(math.Floor(maxFrequency / p.Df()))
	if kMax < 1 {
		return nil, glazeerr.Configf("downsample limit %g Hz is below the frequency resolution %g Hz", maxFrequency, p.Df())
	}
	m := 2*kMax + 1
	if m >= n {
		return newUnchecked(p.Time(), p.Signal(), p.SignalErr()), nil
	}

	signal := fourier.NewFFT(m).Sequence(nil, p.fft[:kMax+1])
	floats.Scale(1/float64(n), signal)
	time := floats.Span(make([]float64, m), p.time[0], p.time[n-1])
	return newUnchecked(time, signal, nil), nil
}

// EstimatePeakToPeak returns the difference between the signal maximum
// and minimum. A zero delayTolerance uses the samples as they are.
// Otherwise both extrema are refined on a cubic spline evaluated every
// delayTolerance seconds around the sampled extrema.
func (p *Pulse) EstimatePeakToPeak(delayTolerance float64) (float64, error) {
	dt := p.Dt()
	if delayTolerance < 0 || delayTolerance >= dt {
		return 0, glazeerr.Configf("delay tolerance %g s must be in [0, %g), the time spacing of the pulse", delayTolerance, dt)
	}
	hi, lo := floats.MaxIdx(p.signal), floats.MinIdx(p.signal)
	if delayTolerance == 0 {
		return p.signal[hi] - p.signal[lo], nil
	}

	var spline interp.NotAKnotCubic
	if err := spline.Fit(p.time, p.signal); err != nil {
		return 0, glazeerr.Reconstructf("fit spline for peak to peak: %v", err)
	}
	around := func(idx int, better func(a, b float64) bool) float64 {
		best := p.signal[idx]
		from := p.time[max(0, idx-1)]
		to := p.time[min(len(p.time)-1, idx+1)]
		for x := from; x <= to; x += delayTolerance {
			if v := spline.Predict(x); better(v, best) {
				best = v
			}
		}
		return best
	}
	peak := around(hi, func(a, b float64) bool { return a > b })
	trough := around(lo, func(a, b float64) bool { return a < b })
	return peak - trough, nil
}
