// Package units provides shared constants and conversions for the time
// units used when presenting scans.
package units

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Time unit constants
const (
	S  = "s"
	NS = "ns"
	PS = "ps"
	FS = "fs"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{S, NS, PS, FS}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertTime converts a time from seconds to the target units.
// Scans store time in seconds.
func ConvertTime(seconds float64, targetUnits string) float64 {
	switch targetUnits {
	case NS:
		return seconds * 1e9
	case PS:
		return seconds * 1e12
	case FS:
		return seconds * 1e15
	default:
		return seconds
	}
}

// ConvertTimes applies ConvertTime to every element.
func ConvertTimes(seconds []float64, targetUnits string) []float64 {
	out := make([]float64, len(seconds))
	for i, v := range seconds {
		out[i] = ConvertTime(v, targetUnits)
	}
	return out
}

// FormatSeconds renders a duration in seconds with an SI prefix, e.g.
// "12.5 ps".
func FormatSeconds(seconds float64) string {
	return formatSI(seconds, "s")
}

// FormatHertz renders a frequency with an SI prefix, e.g. "1.2 THz".
func FormatHertz(hz float64) string {
	return formatSI(hz, "Hz")
}

func formatSI(v float64, unit string) string {
	value, prefix := humanize.ComputeSI(v)
	return fmt.Sprintf("%.4g %s%s", value, prefix, unit)
}
