package waveform

import (
	"github.com/banshee-data/glaze/internal/config"
	"github.com/banshee-data/glaze/internal/glazeerr"
)

// Ramp selects the sweep direction to extract from a triangular scan.
type Ramp string

const (
	RampUp   Ramp = "up"
	RampDown Ramp = "down"
)

func (r Ramp) direction() (config.Direction, error) {
	switch r {
	case RampUp:
		return config.Up, nil
	case RampDown:
		return config.Down, nil
	default:
		return config.Flat, glazeerr.Configf("ramp must be either %q or %q, got %q", RampUp, RampDown, r)
	}
}

// run is a maximal block of consecutive samples sharing a direction.
type run struct {
	dir        config.Direction
	start, end int // [start, end)
}

// FromTriangularWaveform returns the samples of the single ramp in the
// requested direction, in acquisition order.
//
// Directions come from the interval metadata when present and from the
// sign of the time step otherwise. Exactly one block of samples may match.
// The exception is a ramp split by the start of the scan: when the last
// and first blocks both match and the last one leads into the first, the
// result is the last block followed by the first.
func (w *Unprocessed) FromTriangularWaveform(ramp Ramp) (*Unprocessed, error) {
	want, err := ramp.direction()
	if err != nil {
		return nil, err
	}
	if w.Len() < 2 {
		return nil, glazeerr.Shapef("need at least 2 samples to find a ramp, got %d", w.Len())
	}

	runs := w.runs()
	var matches []run
	for _, r := range runs {
		if r.dir == want {
			matches = append(matches, r)
		}
	}

	switch {
	case len(matches) == 1:
		return w.pick(matches), nil
	case len(matches) == 2 && len(runs) > 2 &&
		matches[0].start == 0 && matches[1].end == w.Len():
		first, last := matches[0], matches[1]
		head, tail := w.time[last.end-1], w.time[first.start]
		if (want == config.Up && head >= tail) || (want == config.Down && head <= tail) {
			return nil, glazeerr.Shapef("%s ramp split across the scan origin does not join", ramp)
		}
		return w.pick([]run{last, first}), nil
	case len(matches) == 0:
		return nil, glazeerr.Shapef("no %s ramp in waveform", ramp)
	default:
		return nil, glazeerr.Shapef("waveform has %d separate %s ramps, expected one", len(matches), ramp)
	}
}

// runs labels every sample with a direction and groups consecutive equal
// labels.
func (w *Unprocessed) runs() []run {
	n := w.Len()
	dirs := make([]config.Direction, n)
	if w.segments != nil {
		for i, s := range w.segments {
			dirs[i] = w.intervals[s].Direction()
		}
	} else {
		// Each sample takes the direction of the step that leaves it; the
		// last sample takes the direction of the step that reaches it.
		prev := config.Flat
		for i := 0; i < n-1; i++ {
			d := stepDirection(w.time[i+1] - w.time[i])
			if d == config.Flat {
				d = prev
			}
			dirs[i], prev = d, d
		}
		dirs[n-1] = prev
	}

	var out []run
	for i, d := range dirs {
		if len(out) > 0 && out[len(out)-1].dir == d {
			out[len(out)-1].end = i + 1
			continue
		}
		out = append(out, run{dir: d, start: i, end: i + 1})
	}
	return out
}

func stepDirection(d float64) config.Direction {
	switch {
	case d > 0:
		return config.Up
	case d < 0:
		return config.Down
	default:
		return config.Flat
	}
}

func (w *Unprocessed) pick(runs []run) *Unprocessed {
	out := &Unprocessed{}
	for _, r := range runs {
		out.time = append(out.time, w.time[r.start:r.end]...)
		out.signal = append(out.signal, w.signal[r.start:r.end]...)
		if w.segments != nil {
			out.segments = append(out.segments, w.segments[r.start:r.end]...)
		}
	}
	if w.segments != nil {
		out.intervals = w.Intervals()
	}
	return out
}
