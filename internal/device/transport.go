// Package device talks to the lock-in amplifier and delay stage.
//
// A Transport moves the stage and reads one demodulated sample at a time.
// Open picks the implementation from the configured port: ports named
// mock_device* get the deterministic in-process mock, anything else is
// opened as a serial port.
package device

import (
	"errors"
	"io"
	"strings"

	"github.com/banshee-data/glaze/internal/config"
	"github.com/banshee-data/glaze/internal/monitoring"
	"github.com/banshee-data/glaze/internal/timeutil"
)

// ErrEmptyResponse is returned when the device answers with no data before
// the read timeout. It is the only error the retry wrapper retries.
var ErrEmptyResponse = errors.New("empty response from device")

// ErrClosed is returned by calls on a closed transport.
var ErrClosed = errors.New("transport closed")

// RawSample is one amplifier reading: the raw stage position in [0,1],
// the magnitude R and the phase Theta in degrees within [0,360).
type RawSample struct {
	Delay float64 `json:"delay"`
	R     float64 `json:"r"`
	Theta float64 `json:"theta"`
}

// Transport drives the delay stage and reads the amplifier. A Transport is
// owned by a single goroutine.
type Transport interface {
	// MoveTo positions the stage at the raw fraction x.
	MoveTo(x float64) error
	// ReadSample returns the next integrated reading at the current
	// position.
	ReadSample() (RawSample, error)
	Close() error
}

// Identifier is implemented by transports that can report device identity.
type Identifier interface {
	SerialNumber() (string, error)
	FirmwareVersion() (string, error)
}

// MockPrefix marks a port name as a mock device.
const MockPrefix = "mock_device"

var streams = monitoring.NewStreams("[device] ")

// SetLogWriters configures the ops, diag and trace streams for the package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	streams.SetWriters(ops, diag, trace)
}

// Options tweak how Open builds a transport.
type Options struct {
	// Clock is used for mock pacing and retry backoff. Defaults to
	// timeutil.RealClock.
	Clock timeutil.Clock
	// Opener replaces serial.Open, mostly for tests.
	Opener PortOpener
	// Retry configures the backoff wrapper. A zero value uses
	// DefaultRetryPolicy.
	Retry RetryPolicy
}

func (o Options) clock() timeutil.Clock {
	if o.Clock == nil {
		return timeutil.RealClock{}
	}
	return o.Clock
}

// IsMock reports whether port names a mock device.
func IsMock(port string) bool {
	return strings.HasPrefix(port, MockPrefix)
}

// Open returns a transport for cfg.AmpPort wrapped in the retry policy.
// The configuration must already be valid.
func Open(cfg *config.DeviceConfiguration, opts Options) (Transport, error) {
	var (
		t   Transport
		err error
	)
	if IsMock(cfg.AmpPort) {
		t, err = NewMock(cfg, opts.clock())
	} else {
		t, err = OpenSerial(cfg.AmpPort, PortOptions{BaudRate: cfg.BaudRate()}, cfg.AmpTimeout(), opts.Opener)
	}
	if err != nil {
		return nil, err
	}
	streams.Diagf("opened %s transport on %q", kindOf(cfg.AmpPort), cfg.AmpPort)
	return WithRetry(t, opts.Retry, opts.clock()), nil
}

func kindOf(port string) string {
	if IsMock(port) {
		return "mock"
	}
	return "serial"
}
