// Package glazeerr defines the error taxonomy shared by the scan pipeline.
//
// Every error surfaced by the pipeline wraps exactly one of the sentinels
// below so callers can classify failures with errors.Is without parsing
// messages. Configuration errors are always raised before any device I/O.
package glazeerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports invalid user input: interval fractions,
	// unknown calibration identifiers, filter frequencies beyond Nyquist.
	ErrConfiguration = errors.New("configuration error")

	// ErrShape reports waveform data whose structure cannot be processed,
	// e.g. a missing ramp or non-monotonic time values.
	ErrShape = errors.New("shape error")

	// ErrReconstruction reports resampling failures such as too few points
	// or a non-uniform time axis where a uniform one is required.
	ErrReconstruction = errors.New("reconstruction error")

	// ErrAcquisition reports a transport failure during a scan.
	ErrAcquisition = errors.New("acquisition error")
)

// Configf returns an ErrConfiguration with a formatted message.
func Configf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Shapef returns an ErrShape with a formatted message.
func Shapef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrShape, fmt.Sprintf(format, args...))
}

// Reconstructf returns an ErrReconstruction with a formatted message.
func Reconstructf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrReconstruction, fmt.Sprintf(format, args...))
}

// Acquisition wraps a transport error so that it matches both
// ErrAcquisition and the original cause.
func Acquisition(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrAcquisition, op, err)
}
