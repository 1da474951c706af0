package device

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/glaze/internal/config"
	"github.com/banshee-data/glaze/internal/glazeerr"
	"github.com/banshee-data/glaze/internal/timeutil"
)

// Mock variants selected by port name.
const (
	MockDevice          = "mock_device"
	MockInstant         = "mock_device_instant"
	MockScanShouldFail  = "mock_device_scan_should_fail"
	MockFailFirstScan   = "mock_device_fail_first_scan"
	MockEmptyResponses  = "mock_device_empty_responses"
	mockSerialNumber    = "M-9999"
	mockFirmwareVersion = "v0.1.0"
)

// MockDevices lists the port names accepted by NewMock.
func MockDevices() []string {
	return []string{MockDevice, MockScanShouldFail, MockFailFirstScan, MockEmptyResponses, MockInstant}
}

const (
	// Shape of the synthetic pulse in raw stage units.
	mockPulseCenter = 0.5
	mockPulseWidth  = 0.03
	mockNoise       = 0.01

	// Pending integration time is slept off in chunks of at least this much.
	mockSleepQuantum = 2 * time.Millisecond
)

// Mock is a deterministic in-process stand-in for the amplifier and delay
// stage. It reports the stage position as the delay and a Gaussian
// derivative pulse as the signal, split into magnitude and a phase of
// either 120 or 300 degrees. Readings take 1/modulation frequency of
// clock time unless the variant is instant.
type Mock struct {
	variant string
	clock   timeutil.Clock
	period  time.Duration

	mu       sync.Mutex
	rng      *rand.Rand
	position float64
	reads    int
	fails    int
	pending  time.Duration
	closed   bool
}

// NewMock builds the mock variant named by cfg.AmpPort.
func NewMock(cfg *config.DeviceConfiguration, clock timeutil.Clock) (*Mock, error) {
	switch cfg.AmpPort {
	case MockDevice, MockInstant, MockScanShouldFail, MockFailFirstScan, MockEmptyResponses:
	default:
		return nil, glazeerr.Configf("unknown mock device %q, valid options are %v", cfg.AmpPort, MockDevices())
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Mock{
		variant: cfg.AmpPort,
		clock:   clock,
		period:  time.Duration(float64(time.Second) / cfg.Modulation()),
		rng:     rand.New(rand.NewPCG(1, 2)),
	}, nil
}

// MoveTo records the stage position.
func (m *Mock) MoveTo(x float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.variant == MockEmptyResponses {
		return ErrEmptyResponse
	}
	m.position = x
	return nil
}

// ReadSample returns one synthetic reading at the current position.
func (m *Mock) ReadSample() (RawSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return RawSample{}, ErrClosed
	}
	m.reads++
	switch m.variant {
	case MockEmptyResponses, MockScanShouldFail:
		return RawSample{}, ErrEmptyResponse
	case MockFailFirstScan:
		if m.fails == 0 {
			m.fails++
			return RawSample{}, ErrEmptyResponse
		}
	}
	m.integrate()

	v := MockSignal(m.position) + mockNoise*m.rng.NormFloat64()
	theta := 300.0
	if v < 0 {
		theta = 120
	}
	s := RawSample{Delay: m.position, R: math.Abs(v), Theta: theta}
	streams.Tracef("mock read %d: %+v", m.reads, s)
	return s, nil
}

// integrate accounts for one modulation period and sleeps once enough time
// has built up, so short periods do not turn into many tiny sleeps.
func (m *Mock) integrate() {
	if m.variant == MockInstant {
		return
	}
	m.pending += m.period
	if m.pending >= mockSleepQuantum {
		m.clock.Sleep(m.pending)
		m.pending = 0
	}
}

// Reads reports how many ReadSample calls the mock has served.
func (m *Mock) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// SerialNumber implements Identifier.
func (m *Mock) SerialNumber() (string, error) { return mockSerialNumber, nil }

// FirmwareVersion implements Identifier.
func (m *Mock) FirmwareVersion() (string, error) { return mockFirmwareVersion, nil }

// Close marks the mock closed; further calls fail with ErrClosed.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MockSignal is the noiseless mock pulse at raw stage position x, a
// Gaussian derivative with unit peak magnitude.
func MockSignal(x float64) float64 {
	u := (x - mockPulseCenter) / mockPulseWidth
	return -u * math.Exp(0.5-0.5*u*u)
}
