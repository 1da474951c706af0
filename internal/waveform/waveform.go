// Package waveform holds raw, acquisition-ordered scans and reconstructs
// them onto a uniform time grid.
package waveform

import (
	"github.com/banshee-data/glaze/internal/config"
	"github.com/banshee-data/glaze/internal/demod"
	"github.com/banshee-data/glaze/internal/glazeerr"
	"github.com/banshee-data/glaze/internal/pulse"
)

// Unprocessed is one scan's (time, signal) pairs in acquisition order.
// Time is in seconds and need not be uniform or monotonic. Segments, when
// present, records the index into Intervals of the interval each sample
// was acquired on. An Unprocessed is immutable; derivations return new
// values.
type Unprocessed struct {
	time      []float64
	signal    []float64
	segments  []int
	intervals []config.Interval
}

// New copies time and signal into a waveform without segment metadata.
func New(time, signal []float64) (*Unprocessed, error) {
	return NewSegmented(time, signal, nil, nil)
}

// NewSegmented copies a waveform together with the interval each sample
// belongs to. segments may be nil, in which case intervals are ignored.
func NewSegmented(time, signal []float64, segments []int, intervals []config.Interval) (*Unprocessed, error) {
	if len(time) != len(signal) {
		return nil, glazeerr.Shapef("time has %d samples but signal has %d", len(time), len(signal))
	}
	w := &Unprocessed{
		time:   append([]float64(nil), time...),
		signal: append([]float64(nil), signal...),
	}
	if segments == nil {
		return w, nil
	}
	if len(segments) != len(time) {
		return nil, glazeerr.Shapef("segments has %d entries but time has %d", len(segments), len(time))
	}
	for i, s := range segments {
		if s < 0 || s >= len(intervals) {
			return nil, glazeerr.Shapef("sample %d refers to interval %d of %d", i, s, len(intervals))
		}
	}
	w.segments = append([]int(nil), segments...)
	w.intervals = append([]config.Interval(nil), intervals...)
	return w, nil
}

// FromPolarCoords demodulates lock-in radius/phase readings into a
// waveform.
func FromPolarCoords(time, radius, theta []float64) (*Unprocessed, error) {
	signal, err := demod.Demodulate(radius, theta, false)
	if err != nil {
		return nil, err
	}
	return New(time, signal)
}

// Len returns the number of samples.
func (w *Unprocessed) Len() int { return len(w.time) }

// Time returns a copy of the time axis.
func (w *Unprocessed) Time() []float64 { return append([]float64(nil), w.time...) }

// Signal returns a copy of the signal.
func (w *Unprocessed) Signal() []float64 { return append([]float64(nil), w.signal...) }

// Segments returns a copy of the per-sample interval indices, or nil.
func (w *Unprocessed) Segments() []int {
	if w.segments == nil {
		return nil
	}
	return append([]int(nil), w.segments...)
}

// Intervals returns the intervals referenced by Segments.
func (w *Unprocessed) Intervals() []config.Interval {
	return append([]config.Interval(nil), w.intervals...)
}

// AsPulse reinterprets a uniformly sampled waveform as a Pulse. It fails
// with a reconstruction error unless time is strictly increasing with
// steps equal within pulse.UniformTolerance.
func (w *Unprocessed) AsPulse() (*pulse.Pulse, error) {
	return pulse.New(w.time, w.signal)
}

// Average returns the pointwise mean of equally long waveforms. The time
// axis and segment metadata of the first waveform are kept.
func Average(waveforms []*Unprocessed) (*Unprocessed, error) {
	if len(waveforms) == 0 {
		return nil, glazeerr.Configf("cannot average zero waveforms")
	}
	ref := waveforms[0]
	sum := make([]float64, ref.Len())
	for i, w := range waveforms {
		if w.Len() != ref.Len() {
			return nil, glazeerr.Shapef("waveform %d has %d samples, expected %d", i, w.Len(), ref.Len())
		}
		for j, v := range w.signal {
			sum[j] += v
		}
	}
	n := float64(len(waveforms))
	for j := range sum {
		sum[j] /= n
	}
	out := &Unprocessed{
		time:      ref.Time(),
		signal:    sum,
		segments:  ref.Segments(),
		intervals: ref.Intervals(),
	}
	return out, nil
}

// Dictionary keys used by ToNativeDict and FromDict.
const (
	KeyTime   = "time"
	KeySignal = "signal"
)

// ToNativeDict returns time and signal as plain slices.
func (w *Unprocessed) ToNativeDict() map[string][]float64 {
	return map[string][]float64{KeyTime: w.Time(), KeySignal: w.Signal()}
}

// FromDict rebuilds a waveform from ToNativeDict output.
func FromDict(d map[string][]float64) (*Unprocessed, error) {
	time, ok := d[KeyTime]
	if !ok {
		return nil, glazeerr.Shapef("missing %q", KeyTime)
	}
	signal, ok := d[KeySignal]
	if !ok {
		return nil, glazeerr.Shapef("missing %q", KeySignal)
	}
	return New(time, signal)
}
