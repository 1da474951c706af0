// Package scanner runs single, blocking scans: it walks the delay stage
// through a scan path, integrates amplifier readings at every stop and
// returns the demodulated waveform.
package scanner

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/glaze/internal/config"
	"github.com/banshee-data/glaze/internal/delayunit"
	"github.com/banshee-data/glaze/internal/demod"
	"github.com/banshee-data/glaze/internal/device"
	"github.com/banshee-data/glaze/internal/glazeerr"
	"github.com/banshee-data/glaze/internal/monitoring"
	"github.com/banshee-data/glaze/internal/scanpath"
	"github.com/banshee-data/glaze/internal/timeutil"
	"github.com/banshee-data/glaze/internal/waveform"
)

// State is the scanner's position in the acquisition cycle.
type State int32

const (
	Idle State = iota
	Driving
	Acquiring
	Demodulating
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Driving:
		return "driving"
	case Acquiring:
		return "acquiring"
	case Demodulating:
		return "demodulating"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var streams = monitoring.NewStreams("[scanner] ")

// SetLogWriters configures the ops, diag and trace streams for the package.
func SetLogWriters(ops, diag, trace io.Writer) {
	streams.SetWriters(ops, diag, trace)
}

// Opener builds the transport for a configuration.
type Opener func(cfg *config.DeviceConfiguration) (device.Transport, error)

// Option configures a Scanner.
type Option func(*Scanner)

// WithTransport makes the scanner use t for every configuration instead of
// opening one from the amplifier port.
func WithTransport(t device.Transport) Option {
	return func(s *Scanner) {
		s.fixed = t
		s.open = func(*config.DeviceConfiguration) (device.Transport, error) { return t, nil }
	}
}

// WithOpener replaces the function used to open transports.
func WithOpener(open Opener) Option {
	return func(s *Scanner) { s.open = open }
}

// WithClock sets the clock used for timing scans and pacing the mock device.
func WithClock(c timeutil.Clock) Option {
	return func(s *Scanner) { s.clock = c }
}

// WithRegistry resolves delay units in reg instead of delayunit.Default.
func WithRegistry(reg *delayunit.Registry) Option {
	return func(s *Scanner) { s.registry = reg }
}

// Scanner performs one scan per call to Scan. It is not safe for
// concurrent scans; State may be read from any goroutine.
type Scanner struct {
	clock    timeutil.Clock
	registry *delayunit.Registry
	open     Opener
	fixed    device.Transport

	cfg       *config.DeviceConfiguration
	path      scanpath.Path
	unit      *delayunit.Unit
	transport device.Transport

	state     atomic.Int32
	lastScan  atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg, resolves the scan path and delay unit, then opens the
// transport. Configuration errors are returned before any device I/O.
func New(cfg *config.DeviceConfiguration, opts ...Option) (*Scanner, error) {
	s := &Scanner{clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.open == nil {
		s.open = func(c *config.DeviceConfiguration) (device.Transport, error) {
			return device.Open(c, device.Options{Clock: s.clock})
		}
	}
	if err := s.apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// apply resolves everything derived from cfg and swaps it in. Validation
// happens before any device I/O.
func (s *Scanner) apply(cfg *config.DeviceConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.Clone()
	path, err := scanpath.FromConfig(cfg)
	if err != nil {
		return err
	}
	unit, err := delayunit.New(cfg.DelayUnit, s.registry)
	if err != nil {
		return err
	}
	t, err := s.connect(cfg)
	if err != nil {
		return err
	}
	s.cfg, s.path, s.unit, s.transport = cfg, path, unit, t
	s.setState(Idle)
	streams.Diagf("configured %s scan on %q: %d points over %d intervals, delay unit %q",
		cfg.Kind, cfg.AmpPort, path.Len(), len(path.Intervals), cfg.DelayUnit)
	return nil
}

// connect returns the transport for cfg. A transport on the same link is
// reused. Otherwise the current one is closed before the new one is opened,
// since a serial port can only be held once, and it is reopened if the new
// one fails.
func (s *Scanner) connect(cfg *config.DeviceConfiguration) (device.Transport, error) {
	if s.fixed != nil {
		return s.fixed, nil
	}
	if s.transport != nil && sameLink(s.cfg, cfg) {
		return s.transport, nil
	}

	prev, prevCfg := s.transport, s.cfg
	if prev != nil {
		if err := prev.Close(); err != nil {
			streams.Opsf("failed to close transport on %q: %v", prevCfg.AmpPort, err)
		}
		s.transport = nil
	}
	t, err := s.open(cfg)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, glazeerr.ErrConfiguration) {
		err = glazeerr.Acquisition("open device", err)
	}
	if prev == nil {
		return nil, err
	}

	restored, rerr := s.open(prevCfg)
	if rerr != nil {
		s.setState(Failed)
		streams.Opsf("failed to reopen %q after switching to %q failed: %v", prevCfg.AmpPort, cfg.AmpPort, rerr)
		return nil, errors.Join(err, fmt.Errorf("failed to restore previous transport: %w", rerr))
	}
	s.transport = restored
	return nil, err
}

// sameLink reports whether both configurations talk to the device with
// identical transport settings.
func sameLink(a, b *config.DeviceConfiguration) bool {
	return a.AmpPort == b.AmpPort &&
		a.BaudRate() == b.BaudRate() &&
		a.AmpTimeout() == b.AmpTimeout() &&
		a.Modulation() == b.Modulation()
}

// UpdateConfig switches the scanner to cfg. On error the scanner keeps its
// previous configuration and, when the new device could not be opened, a
// reopened transport to the previous one.
func (s *Scanner) UpdateConfig(cfg *config.DeviceConfiguration) error {
	return s.apply(cfg)
}

// Config returns a copy of the active configuration.
func (s *Scanner) Config() *config.DeviceConfiguration { return s.cfg.Clone() }

// Path returns the active scan path.
func (s *Scanner) Path() scanpath.Path { return s.path }

// State returns the current state.
func (s *Scanner) State() State { return State(s.state.Load()) }

func (s *Scanner) setState(st State) { s.state.Store(int32(st)) }

// LastScanDuration is the wall time of the most recent successful scan.
func (s *Scanner) LastScanDuration() time.Duration { return time.Duration(s.lastScan.Load()) }

// Scan acquires one waveform. It blocks for the whole sweep and cannot be
// cancelled. A transport failure leaves the scanner in Failed and returns
// an error matching glazeerr.ErrAcquisition; no partial data is returned.
func (s *Scanner) Scan() (*waveform.Unprocessed, error) {
	if s.transport == nil {
		s.setState(Failed)
		return nil, glazeerr.Acquisition("scan", device.ErrClosed)
	}
	start := s.clock.Now()
	w, err := s.scan()
	if err != nil {
		s.setState(Failed)
		streams.Opsf("scan failed: %v", err)
		return nil, err
	}
	s.setState(Done)
	elapsed := s.clock.Since(start)
	s.lastScan.Store(int64(elapsed))
	streams.Diagf("scan complete: %d points in %s", w.Len(), elapsed)
	return w, nil
}

func (s *Scanner) scan() (*waveform.Unprocessed, error) {
	n := s.path.Len()
	periods := s.cfg.IntegrationPeriods
	data := demod.ScanData{
		Delays: make([]float64, n),
		R:      make([]float64, n),
		Theta:  make([]float64, n),
	}

	for i, target := range s.path.Targets {
		s.setState(Driving)
		if err := s.transport.MoveTo(target); err != nil {
			return nil, glazeerr.Acquisition(fmt.Sprintf("move to point %d", i), err)
		}

		s.setState(Acquiring)
		var delay, x, y float64
		for range periods {
			sample, err := s.transport.ReadSample()
			if err != nil {
				return nil, glazeerr.Acquisition(fmt.Sprintf("read point %d", i), err)
			}
			rad := sample.Theta * math.Pi / 180
			delay += sample.Delay
			x += sample.R * math.Cos(rad)
			y += sample.R * math.Sin(rad)
		}
		k := float64(periods)
		data.Delays[i] = delay / k
		data.R[i], data.Theta[i] = device.Polar(x/k, y/k)
	}

	s.setState(Demodulating)
	signal, err := data.Signal(s.cfg.UseEMA)
	if err != nil {
		return nil, err
	}
	times, err := s.unit.Convert(data.Delays)
	if err != nil {
		return nil, glazeerr.Acquisition("convert delays", err)
	}
	return waveform.NewSegmented(times, signal, s.path.Segments, s.path.Intervals)
}

// SerialNumber reports the device serial number when the transport can.
func (s *Scanner) SerialNumber() (string, error) {
	id, ok := s.transport.(device.Identifier)
	if !ok {
		return "", device.ErrNotSupported
	}
	return id.SerialNumber()
}

// FirmwareVersion reports the device firmware version when the transport
// can.
func (s *Scanner) FirmwareVersion() (string, error) {
	id, ok := s.transport.(device.Identifier)
	if !ok {
		return "", device.ErrNotSupported
	}
	return id.FirmwareVersion()
}

// Close releases the transport. It is safe to call more than once.
func (s *Scanner) Close() error {
	s.closeOnce.Do(func() {
		if s.transport != nil {
			s.closeErr = s.transport.Close()
		}
	})
	return s.closeErr
}
