// Package demod converts lock-in amplitude/phase readings into a signed
// real signal.
package demod

import (
	"github.com/banshee-data/glaze/internal/glazeerr"
)

// Alpha is the smoothing constant of the optional moving average.
const Alpha = 0.1

// Demodulate returns r*sign(theta-180) with sign(0) = 0, so a reading at
// exactly 180 degrees demodulates to zero. When useEMA is set, r and theta
// are each smoothed with an exponential moving average seeded by their
// first sample before the sign is applied. The inputs are not modified.
func Demodulate(r, theta []float64, useEMA bool) ([]float64, error) {
	if len(r) != len(theta) {
		return nil, glazeerr.Shapef("r has %d samples but theta has %d", len(r), len(theta))
	}
	if useEMA {
		r = EMA(r, Alpha)
		theta = EMA(theta, Alpha)
	}

	out := make([]float64, len(r))
	for i := range r {
		out[i] = r[i] * sign(theta[i]-180)
	}
	return out, nil
}

// EMA returns the exponential moving average of x:
// ema[0] = x[0], ema[i] = alpha*x[i] + (1-alpha)*ema[i-1].
func EMA(x []float64, alpha float64) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	out[0] = x[0]
	for i := 1; i < len(x); i++ {
		out[i] = alpha*x[i] + (1-alpha)*out[i-1]
	}
	return out
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// ScanData is one scan's raw readings before demodulation.
type ScanData struct {
	Delays []float64
	R      []float64
	Theta  []float64
}

// Len returns the number of readings.
func (s ScanData) Len() int { return len(s.Delays) }

// Validate checks that every channel has the same length.
func (s ScanData) Validate() error {
	if len(s.R) != len(s.Delays) || len(s.Theta) != len(s.Delays) {
		return glazeerr.Shapef("scan data lengths differ: delays=%d r=%d theta=%d", len(s.Delays), len(s.R), len(s.Theta))
	}
	return nil
}

// Signal demodulates the scan.
func (s ScanData) Signal(useEMA bool) ([]float64, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return Demodulate(s.R, s.Theta, useEMA)
}
