package pulse

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/glaze/internal/glazeerr"
)

// Cut returns the samples from the first time >= from up to and including
// the first time >= to.
func (p *Pulse) Cut(from, to float64) (*Pulse, error) {
	lo := sort.SearchFloat64s(p.time, from)
	hi := sort.SearchFloat64s(p.time, to)
	if hi >= len(p.time) {
		hi = len(p.time) - 1
	}
	if hi-lo+1 < 2 {
		return nil, glazeerr.Configf("cut [%g, %g] leaves fewer than 2 samples", from, to)
	}
	return p.slice(lo, hi+1), nil
}

func (p *Pulse) slice(lo, hi int) *Pulse {
	var errs []float64
	if p.signalErr != nil {
		errs = clone(p.signalErr[lo:hi])
	}
	return newUnchecked(clone(p.time[lo:hi]), clone(p.signal[lo:hi]), errs)
}

// Tukey applies a Tukey window across the whole pulse with tapers of
// taperLength seconds at each end.
func (p *Pulse) Tukey(taperLength float64) (*Pulse, error) {
	return p.TukeyRange(taperLength, p.time[0], p.time[len(p.time)-1])
}

// TukeyRange applies a Tukey window spanning [from, to] and zeroes the
// signal outside it.
func (p *Pulse) TukeyRange(taperLength, from, to float64) (*Pulse, error) {
	if !(to > from) {
		return nil, glazeerr.Configf("tukey window needs to > from, got [%g, %g]", from, to)
	}
	if taperLength < 0 {
		return nil, glazeerr.Configf("taper length must not be negative, got %g", taperLength)
	}
	dt := p.Dt()
	points := int(math.Round((to-from)/dt)) + 1
	if points > p.Len() {
		return nil, glazeerr.Configf("number of points in Tukey window cannot exceed number of points in scan (%d > %d)", points, p.Len())
	}

	alpha := math.Min(1, 2*taperLength/(to-from))
	w := make([]float64, points)
	for i := range w {
		w[i] = 1
	}
	if alpha > 0 {
		w = window.Tukey{Alpha: alpha}.Transform(w)
	}

	start := sort.SearchFloat64s(p.time, from-dt/2)
	signal := make([]float64, p.Len())
	for i := range w {
		if j := start + i; j < len(signal) {
			signal[j] = p.signal[j] * w[i]
		}
	}
	return newUnchecked(p.Time(), signal, p.SignalErr()), nil
}

// Zeropadded prepends nZeros zero samples, extending the time axis
// backwards at the same step.
func (p *Pulse) Zeropadded(nZeros int) *Pulse {
	if nZeros <= 0 {
		return newUnchecked(p.Time(), p.Signal(), p.SignalErr())
	}
	dt := p.Dt()
	n := p.Len() + nZeros
	time := make([]float64, n)
	signal := make([]float64, n)
	for i := 0; i < nZeros; i++ {
		time[i] = p.time[0] - float64(nZeros-i)*dt
	}
	copy(time[nZeros:], p.time)
	copy(signal[nZeros:], p.signal)

	var errs []float64
	if p.signalErr != nil {
		errs = make([]float64, n)
		copy(errs[nZeros:], p.signalErr)
	}
	return newUnchecked(time, signal, errs)
}

// Timeshift returns a pulse with time axis scale*(time + offset).
func (p *Pulse) Timeshift(scale, offset float64) (*Pulse, error) {
	if !(scale > 0) {
		return nil, glazeerr.Configf("timeshift scale must be positive, got %g", scale)
	}
	time := make([]float64, p.Len())
	for i, t := range p.time {
		time[i] = scale * (t + offset)
	}
	return newUnchecked(time, p.Signal(), p.SignalErr()), nil
}

// DelayAtMax returns the time of the largest sample.
func (p *Pulse) DelayAtMax() float64 { return p.time[floats.MaxIdx(p.signal)] }

// DelayAtMin returns the time of the smallest sample.
func (p *Pulse) DelayAtMin() float64 { return p.time[floats.MinIdx(p.signal)] }

// Derivative returns the time derivative using central differences in the
// interior and one-sided differences at the ends.
func (p *Pulse) Derivative() *Pulse {
	n := p.Len()
	dt := p.Dt()
	d := make([]float64, n)
	d[0] = (p.signal[1] - p.signal[0]) / dt
	d[n-1] = (p.signal[n-1] - p.signal[n-2]) / dt
	for i := 1; i < n-1; i++ {
		d[i] = (p.signal[i+1] - p.signal[i-1]) / (2 * dt)
	}
	return newUnchecked(p.Time(), d, nil)
}

// AddWhiteNoise returns a copy with Gaussian noise of standard deviation
// std added to every sample; SignalErr is set to std. A nil rng draws a
// fresh random seed.
func (p *Pulse) AddWhiteNoise(std float64, rng *rand.Rand) *Pulse {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	signal := p.Signal()
	errs := make([]float64, len(signal))
	for i := range signal {
		signal[i] += std * rng.NormFloat64()
		errs[i] = std
	}
	return newUnchecked(p.Time(), signal, errs)
}

// Average returns the pointwise mean of pulses sharing a time axis, with
// SignalErr set to the pointwise standard deviation.
func Average(pulses []*Pulse) (*Pulse, error) {
	if len(pulses) == 0 {
		return nil, glazeerr.Configf("cannot average zero pulses")
	}
	ref := pulses[0]
	for i, q := range pulses[1:] {
		if q.Len() != ref.Len() {
			return nil, glazeerr.Shapef("pulse %d has %d samples, expected %d", i+1, q.Len(), ref.Len())
		}
	}

	n := ref.Len()
	mean := make([]float64, n)
	std := make([]float64, n)
	column := make([]float64, len(pulses))
	for i := 0; i < n; i++ {
		for k, q := range pulses {
			column[k] = q.signal[i]
		}
		m, v := stat.PopMeanVariance(column, nil)
		mean[i] = m
		std[i] = math.Sqrt(v)
	}
	return newUnchecked(ref.Time(), mean, std), nil
}

// Align shifts each pulse so that its extremum (maximum when wrtMax is
// set, otherwise minimum) falls on the same sample, trimming all pulses
// to a common length. The time axis of the first pulse is kept.
func Align(pulses []*Pulse, wrtMax bool) ([]*Pulse, error) {
	if len(pulses) == 0 {
		return nil, nil
	}
	peaks := make([]int, len(pulses))
	before, after := math.MaxInt, math.MaxInt
	for i, q := range pulses {
		if wrtMax {
			peaks[i] = floats.MaxIdx(q.signal)
		} else {
			peaks[i] = floats.MinIdx(q.signal)
		}
		before = min(before, peaks[i])
		after = min(after, q.Len()-peaks[i])
	}
	if before+after < 2 {
		return nil, glazeerr.Shapef("aligned pulses would have fewer than 2 samples")
	}

	refStart := peaks[0] - before
	time := clone(pulses[0].time[refStart : refStart+before+after])
	out := make([]*Pulse, len(pulses))
	for i, q := range pulses {
		lo := peaks[i] - before
		s := q.slice(lo, lo+before+after)
		s.time = clone(time)
		out[i] = s
	}
	return out, nil
}
