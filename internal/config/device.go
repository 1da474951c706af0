package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/glaze/internal/glazeerr"
)

// Kind selects which timing parameter of a DeviceConfiguration is
// authoritative.
type Kind string

const (
	// KindForce configurations are timed by sweep length.
	KindForce Kind = "force"
	// KindLe configurations are timed by an explicit point count.
	KindLe Kind = "le"
)

const (
	// DefaultModulationFrequency is the lock-in modulation frequency in Hz
	// used when a configuration leaves it unset.
	DefaultModulationFrequency = 10000.0

	// DefaultAmpTimeout bounds a single serial read.
	DefaultAmpTimeout = 2 * time.Second

	// DefaultBaudRate for the amplifier serial link.
	DefaultBaudRate = 1000000

	// MaxPoints is the largest point count the device accepts (uint16 on the wire).
	MaxPoints = 65535
)

// Direction of an Interval across the delay range.
type Direction int

const (
	Flat Direction = iota
	Up
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "flat"
	}
}

// Interval is a linear ramp across a fraction of the delay-stage range.
// Start > End encodes a down-ramp, Start < End an up-ramp.
type Interval struct {
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
}

// Length returns the span |End-Start| of the interval.
func (i Interval) Length() float64 {
	return math.Abs(i.End - i.Start)
}

// Direction reports whether the interval ramps up, down or not at all.
func (i Interval) Direction() Direction {
	switch {
	case i.End > i.Start:
		return Up
	case i.End < i.Start:
		return Down
	default:
		return Flat
	}
}

// Validate checks that both fractions lie in [0,1] and that the interval
// is not degenerate.
func (i Interval) Validate() error {
	for _, f := range []float64{i.Start, i.End} {
		if math.IsNaN(f) || f < 0 || f > 1 {
			return glazeerr.Configf("interval fraction %v must be between 0 and 1", f)
		}
	}
	if i.Start == i.End {
		return glazeerr.Configf("degenerate interval [%v, %v]: start equals end", i.Start, i.End)
	}
	return nil
}

// DeviceConfiguration describes one acquisition session. It is a tagged
// variant on Kind: force configurations are timed by SweepLengthMS, le
// configurations by NPoints. Treat values as read-only once a Scanner has
// been built from them.
type DeviceConfiguration struct {
	Kind                Kind       `json:"kind" yaml:"kind"`
	AmpPort             string     `json:"amp_port" yaml:"amp_port"`
	DelayUnit           string     `json:"delayunit" yaml:"delayunit"`
	IntegrationPeriods  int        `json:"integration_periods" yaml:"integration_periods"`
	UseEMA              bool       `json:"use_ema" yaml:"use_ema"`
	Intervals           []Interval `json:"scan_intervals" yaml:"scan_intervals"`
	ModulationFrequency float64    `json:"modulation_frequency,omitempty" yaml:"modulation_frequency,omitempty"`
	AmpTimeoutSeconds   float64    `json:"amp_timeout_seconds,omitempty" yaml:"amp_timeout_seconds,omitempty"`
	AmpBaudRate         int        `json:"amp_baudrate,omitempty" yaml:"amp_baudrate,omitempty"`

	// SweepLengthMS is authoritative for KindForce.
	SweepLengthMS int `json:"sweep_length_ms,omitempty" yaml:"sweep_length_ms,omitempty"`
	// NPoints is authoritative for KindLe.
	NPoints int `json:"n_points,omitempty" yaml:"n_points,omitempty"`
}

// Clone returns a deep copy so callers can derive a new configuration
// without touching one that is in use.
func (c *DeviceConfiguration) Clone() *DeviceConfiguration {
	out := *c
	out.Intervals = append([]Interval(nil), c.Intervals...)
	return &out
}

// Modulation returns the modulation frequency, applying the default.
func (c *DeviceConfiguration) Modulation() float64 {
	if c.ModulationFrequency <= 0 {
		return DefaultModulationFrequency
	}
	return c.ModulationFrequency
}

// AmpTimeout returns the serial read timeout, applying the default.
func (c *DeviceConfiguration) AmpTimeout() time.Duration {
	if c.AmpTimeoutSeconds <= 0 {
		return DefaultAmpTimeout
	}
	return time.Duration(c.AmpTimeoutSeconds * float64(time.Second))
}

// BaudRate returns the amplifier baud rate, applying the default.
func (c *DeviceConfiguration) BaudRate() int {
	if c.AmpBaudRate <= 0 {
		return DefaultBaudRate
	}
	return c.AmpBaudRate
}

// SampleRate is the number of stage positions the device can visit per
// second: one position per IntegrationPeriods modulation cycles.
func (c *DeviceConfiguration) SampleRate() float64 {
	periods := c.IntegrationPeriods
	if periods < 1 {
		periods = 1
	}
	return c.Modulation() / float64(periods)
}

// PointBudget resolves the effective number of scan points from whichever
// timing parameter is authoritative for the configuration kind.
func (c *DeviceConfiguration) PointBudget() int {
	switch c.Kind {
	case KindForce:
		return int(math.Floor(float64(c.SweepLengthMS) * 1e-3 * c.SampleRate()))
	case KindLe:
		return c.NPoints
	default:
		return 0
	}
}

// SweepLength resolves the nominal duration of one sweep.
func (c *DeviceConfiguration) SweepLength() time.Duration {
	switch c.Kind {
	case KindForce:
		return time.Duration(c.SweepLengthMS) * time.Millisecond
	case KindLe:
		seconds := float64(c.NPoints) / c.SampleRate()
		return time.Duration(seconds * float64(time.Second))
	default:
		return 0
	}
}

// Validate checks the configuration. All shapes share the same checks
// except for the authoritative timing parameter.
func (c *DeviceConfiguration) Validate() error {
	if c == nil {
		return glazeerr.Configf("device configuration is nil")
	}
	if strings.TrimSpace(c.AmpPort) == "" {
		return glazeerr.Configf("amp_port is required")
	}
	if strings.TrimSpace(c.DelayUnit) == "" {
		return glazeerr.Configf("delayunit is required")
	}
	if c.IntegrationPeriods < 1 {
		return glazeerr.Configf("integration_periods must be at least 1, got %d", c.IntegrationPeriods)
	}
	if c.ModulationFrequency < 0 {
		return glazeerr.Configf("modulation_frequency must be positive, got %v", c.ModulationFrequency)
	}
	if len(c.Intervals) == 0 {
		return glazeerr.Configf("scan_intervals must not be empty")
	}
	for idx, iv := range c.Intervals {
		if err := iv.Validate(); err != nil {
			return fmt.Errorf("scan_intervals[%d]: %w", idx, err)
		}
	}

	switch c.Kind {
	case KindForce:
		if c.SweepLengthMS <= 0 {
			return glazeerr.Configf("sweep_length_ms must be positive for %s configurations", c.Kind)
		}
	case KindLe:
		if c.NPoints <= 0 {
			return glazeerr.Configf("n_points must be positive for %s configurations", c.Kind)
		}
		if c.NPoints > MaxPoints {
			return glazeerr.Configf("n_points %d exceeds device maximum %d", c.NPoints, MaxPoints)
		}
	default:
		return glazeerr.Configf("unknown configuration kind %q: expected %q or %q", c.Kind, KindForce, KindLe)
	}

	if budget := c.PointBudget(); budget < len(c.Intervals) {
		return glazeerr.Configf("point budget %d is smaller than the number of intervals %d", budget, len(c.Intervals))
	}
	return nil
}
