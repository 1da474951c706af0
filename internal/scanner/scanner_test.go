package scanner

import (
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/glaze/internal/config"
	"github.com/banshee-data/glaze/internal/delayunit"
	"github.com/banshee-data/glaze/internal/device"
	"github.com/banshee-data/glaze/internal/glazeerr"
	"github.com/banshee-data/glaze/internal/timeutil"
	"github.com/banshee-data/glaze/internal/waveform"
)

func newClock() *timeutil.MockClock {
	return timeutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

func leConfig(port string) *config.DeviceConfiguration {
	return &config.DeviceConfiguration{
		Kind:               config.KindLe,
		AmpPort:            port,
		DelayUnit:          "mock_delay",
		IntegrationPeriods: 3,
		Intervals: []config.Interval{
			{Start: 0.5, End: 1},
			{Start: 1, End: 0},
			{Start: 0, End: 0.5},
		},
		NPoints: 200,
	}
}

func forceConfig(port string) *config.DeviceConfiguration {
	cfg := leConfig(port)
	cfg.Kind = config.KindForce
	cfg.NPoints = 0
	cfg.SweepLengthMS = 60
	return cfg
}

// scriptedTransport replays fixed samples and records every call.
type scriptedTransport struct {
	samples []device.RawSample
	moves   []float64
	reads   int
	failAt  int
	err     error
	closed  int
}

func (s *scriptedTransport) MoveTo(x float64) error {
	s.moves = append(s.moves, x)
	return nil
}

func (s *scriptedTransport) ReadSample() (device.RawSample, error) {
	s.reads++
	if s.err != nil && s.reads >= s.failAt {
		return device.RawSample{}, s.err
	}
	out := s.samples[(s.reads-1)%len(s.samples)]
	out.Delay = s.moves[len(s.moves)-1]
	return out, nil
}

func (s *scriptedTransport) Close() error {
	s.closed++
	return nil
}

func TestScanTriangularToPulse(t *testing.T) {
	t.Parallel()

	for name, cfg := range map[string]*config.DeviceConfiguration{
		"le":    leConfig(device.MockDevice),
		"force": forceConfig(device.MockDevice),
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			clock := newClock()
			s, err := New(cfg, WithClock(clock))
			require.NoError(t, err)
			defer s.Close()
			assert.Equal(t, Idle, s.State())

			w, err := s.Scan()
			require.NoError(t, err)
			assert.Equal(t, Done, s.State())
			assert.Equal(t, cfg.PointBudget(), w.Len())
			assert.Positive(t, clock.Slept(), "mock integration time is paced by the clock")
			assert.Equal(t, clock.Slept(), s.LastScanDuration())

			// Every segment varies monotonically in its own direction.
			times, segments := w.Time(), w.Segments()
			for i := 1; i < len(times); i++ {
				if segments[i] != segments[i-1] {
					continue
				}
				switch cfg.Intervals[segments[i]].Direction() {
				case config.Up:
					assert.Greater(t, times[i], times[i-1], "index %d", i)
				case config.Down:
					assert.Less(t, times[i], times[i-1], "index %d", i)
				}
			}

			down, err := w.FromTriangularWaveform(waveform.RampDown)
			require.NoError(t, err)
			r, err := down.Reconstruct(waveform.CubicSpline)
			require.NoError(t, err)
			p, err := r.AsPulse()
			require.NoError(t, err)

			pt := p.Time()
			dt := pt[1] - pt[0]
			assert.Positive(t, dt)
			for i := 1; i < len(pt); i++ {
				assert.InEpsilon(t, dt, pt[i]-pt[i-1], 1e-6)
			}
		})
	}
}

func TestScanRecoversFromSingleEmptyResponse(t *testing.T) {
	t.Parallel()

	s, err := New(leConfig(device.MockFailFirstScan), WithClock(newClock()))
	require.NoError(t, err)
	defer s.Close()

	w, err := s.Scan()
	require.NoError(t, err)
	assert.Equal(t, 200, w.Len())
}

func TestScanFailureDiscardsData(t *testing.T) {
	t.Parallel()

	s, err := New(leConfig(device.MockScanShouldFail), WithClock(newClock()))
	require.NoError(t, err)
	defer s.Close()

	w, err := s.Scan()
	assert.Nil(t, w)
	assert.ErrorIs(t, err, glazeerr.ErrAcquisition)
	assert.ErrorIs(t, err, device.ErrEmptyResponse)
	assert.Equal(t, Failed, s.State())
}

func TestScanFailureMidSweep(t *testing.T) {
	t.Parallel()

	unplugged := errors.New("device unplugged")
	tr := &scriptedTransport{
		samples: []device.RawSample{{R: 1, Theta: 300}},
		failAt:  50,
		err:     unplugged,
	}
	s, err := New(leConfig("scripted"), WithTransport(tr))
	require.NoError(t, err)

	w, err := s.Scan()
	assert.Nil(t, w)
	assert.ErrorIs(t, err, glazeerr.ErrAcquisition)
	assert.ErrorIs(t, err, unplugged)
	assert.ErrorContains(t, err, "read point 16")
	assert.Equal(t, Failed, s.State())
}

func TestIntegrationAveragesInCartesianSpace(t *testing.T) {
	t.Parallel()

	// Readings at 0 and 90 degrees average to 45 degrees with magnitude
	// sqrt(2)/2, which demodulates negative.
	tr := &scriptedTransport{samples: []device.RawSample{{R: 1, Theta: 0}, {R: 1, Theta: 90}}}
	cfg := leConfig("scripted")
	cfg.IntegrationPeriods = 2
	cfg.Intervals = []config.Interval{{Start: 0, End: 1}}
	cfg.NPoints = 5
	s, err := New(cfg, WithTransport(tr))
	require.NoError(t, err)

	w, err := s.Scan()
	require.NoError(t, err)
	assert.Equal(t, 10, tr.reads)
	assert.Equal(t, []float64{0, 0.25, 0.5, 0.75, 1}, tr.moves)
	for _, v := range w.Signal() {
		assert.InDelta(t, -0.7071067811865476, v, 1e-12)
	}
	assert.InDeltaSlice(t, []float64{0, 25e-12, 50e-12, 75e-12, 100e-12}, w.Time(), 1e-24)
}

func TestNewValidatesBeforeIO(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*config.DeviceConfiguration){
		"unknown delay unit": func(c *config.DeviceConfiguration) { c.DelayUnit = "nope" },
		"bad interval":       func(c *config.DeviceConfiguration) { c.Intervals[0].End = 1.5 },
		"no intervals":       func(c *config.DeviceConfiguration) { c.Intervals = nil },
		"no points":          func(c *config.DeviceConfiguration) { c.NPoints = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			opened := 0
			cfg := leConfig(device.MockDevice)
			mutate(cfg)
			_, err := New(cfg, WithOpener(func(*config.DeviceConfiguration) (device.Transport, error) {
				opened++
				return &scriptedTransport{}, nil
			}))
			assert.ErrorIs(t, err, glazeerr.ErrConfiguration)
			assert.Zero(t, opened)
		})
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	_, err := New(leConfig("mock_device_bogus"))
	assert.ErrorIs(t, err, glazeerr.ErrConfiguration)

	_, err = New(leConfig("/dev/ttyDOESNOTEXIST"), WithOpener(func(*config.DeviceConfiguration) (device.Transport, error) {
		return nil, errors.New("no such file")
	}))
	assert.ErrorIs(t, err, glazeerr.ErrAcquisition)
}

func TestUpdateConfig(t *testing.T) {
	t.Parallel()

	var opened []*scriptedTransport
	open := func(*config.DeviceConfiguration) (device.Transport, error) {
		tr := &scriptedTransport{samples: []device.RawSample{{R: 1, Theta: 120}}}
		opened = append(opened, tr)
		return tr, nil
	}
	s, err := New(leConfig("first"), WithOpener(open))
	require.NoError(t, err)

	next := leConfig("second")
	next.NPoints = 50
	require.NoError(t, s.UpdateConfig(next))
	assert.Equal(t, "second", s.Config().AmpPort)
	assert.Equal(t, 50, s.Path().Len())
	require.Len(t, opened, 2)
	assert.Equal(t, 1, opened[0].closed)

	bad := leConfig("third")
	bad.DelayUnit = "missing"
	assert.ErrorIs(t, s.UpdateConfig(bad), glazeerr.ErrConfiguration)
	assert.Equal(t, "second", s.Config().AmpPort)
	assert.Len(t, opened, 2)

	// The returned config is a copy.
	s.Config().Intervals[0].Start = 0.9
	assert.Equal(t, 0.5, s.Config().Intervals[0].Start)
}

// exclusivePorts hands out ports that, like a real tty, can only be held
// once at a time.
type exclusivePorts struct {
	mu      sync.Mutex
	held    map[string]bool
	opens   []string
	missing map[string]bool
}

func newExclusivePorts(missing ...string) *exclusivePorts {
	e := &exclusivePorts{held: map[string]bool{}, missing: map[string]bool{}}
	for _, m := range missing {
		e.missing[m] = true
	}
	return e
}

func (e *exclusivePorts) open(path string, _ *serial.Mode) (device.Port, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.missing[path] {
		return nil, syscall.ENOENT
	}
	if e.held[path] {
		return nil, syscall.EBUSY
	}
	e.held[path] = true
	e.opens = append(e.opens, path)
	return &exclusivePort{owner: e, path: path}, nil
}

func (e *exclusivePorts) isHeld(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held[path]
}

type exclusivePort struct {
	owner *exclusivePorts
	path  string
}

func (p *exclusivePort) Read([]byte) (int, error)           { return 0, nil }
func (p *exclusivePort) Write(b []byte) (int, error)        { return len(b), nil }
func (p *exclusivePort) SetReadTimeout(time.Duration) error { return nil }

func (p *exclusivePort) Close() error {
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()
	delete(p.owner.held, p.path)
	return nil
}

func TestUpdateConfigReopensSerialPort(t *testing.T) {
	t.Parallel()

	const port = "/dev/ttyLE0"
	ports := newExclusivePorts("/dev/ttyMISSING")
	clock := newClock()
	s, err := New(leConfig(port), WithClock(clock), WithOpener(func(c *config.DeviceConfiguration) (device.Transport, error) {
		return device.Open(c, device.Options{Clock: clock, Opener: ports.open})
	}))
	require.NoError(t, err)
	defer s.Close()

	t.Run("same link keeps the port", func(t *testing.T) {
		next := leConfig(port)
		next.NPoints = 50
		require.NoError(t, s.UpdateConfig(next))
		assert.Equal(t, 50, s.Path().Len())
		assert.Equal(t, []string{port}, ports.opens)
	})

	t.Run("changed baud rate closes before reopening", func(t *testing.T) {
		next := leConfig(port)
		next.AmpBaudRate = 115200
		require.NoError(t, s.UpdateConfig(next))
		assert.Equal(t, 115200, s.Config().AmpBaudRate)
		assert.Equal(t, []string{port, port}, ports.opens)
		assert.True(t, ports.isHeld(port))
	})

	t.Run("failed switch restores the previous port", func(t *testing.T) {
		err := s.UpdateConfig(leConfig("/dev/ttyMISSING"))
		require.ErrorIs(t, err, glazeerr.ErrAcquisition)
		assert.Equal(t, port, s.Config().AmpPort)
		assert.Equal(t, 115200, s.Config().AmpBaudRate)
		assert.Equal(t, []string{port, port, port}, ports.opens)
		assert.True(t, ports.isHeld(port))
	})

	require.NoError(t, s.Close())
	assert.False(t, ports.isHeld(port))
}

func TestUpdateConfigRestoreFails(t *testing.T) {
	t.Parallel()

	calls := 0
	open := func(*config.DeviceConfiguration) (device.Transport, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("device unplugged")
		}
		return &scriptedTransport{samples: []device.RawSample{{R: 1, Theta: 120}}}, nil
	}
	s, err := New(leConfig("first"), WithOpener(open))
	require.NoError(t, err)

	err = s.UpdateConfig(leConfig("second"))
	require.ErrorIs(t, err, glazeerr.ErrAcquisition)
	assert.Contains(t, err.Error(), "restore previous transport")
	assert.Equal(t, Failed, s.State())

	_, err = s.Scan()
	assert.ErrorIs(t, err, device.ErrClosed)
	assert.NoError(t, s.Close())
}

func TestIdentityAndClose(t *testing.T) {
	t.Parallel()

	s, err := New(leConfig(device.MockInstant))
	require.NoError(t, err)
	sn, err := s.SerialNumber()
	require.NoError(t, err)
	assert.Equal(t, "M-9999", sn)
	fw, err := s.FirmwareVersion()
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0", fw)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	tr := &scriptedTransport{}
	plain, err := New(leConfig("plain"), WithTransport(tr))
	require.NoError(t, err)
	_, err = plain.SerialNumber()
	assert.ErrorIs(t, err, device.ErrNotSupported)
	require.NoError(t, plain.Close())
	require.NoError(t, plain.Close())
	assert.Equal(t, 1, tr.closed)
}

func TestNonuniformDelayUnit(t *testing.T) {
	t.Parallel()

	cfg := leConfig(device.MockInstant)
	cfg.DelayUnit = "mock_delay_nonuniform"
	s, err := New(cfg, WithRegistry(delayunit.Default))
	require.NoError(t, err)
	defer s.Close()

	w, err := s.Scan()
	require.NoError(t, err)
	up, err := w.FromTriangularWaveform(waveform.RampUp)
	require.NoError(t, err)
	r, err := up.Reconstruct(waveform.CubicSpline)
	require.NoError(t, err)
	_, err = r.AsPulse()
	require.NoError(t, err)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "acquiring", Acquiring.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "State(42)", State(42).String())
}
