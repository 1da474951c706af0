package device

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/glaze/internal/glazeerr"
)

// ErrProtocol reports a device reply that does not follow the wire format.
var ErrProtocol = errors.New("unexpected device response")

// Wire commands, one byte each. The framing moves and reads one point per
// exchange. It does not speak the Le v1 list upload with a bulk reply.
const (
	cmdPosition = 'P'
	cmdRead     = 'R'
	cmdSerial   = 's'
	cmdFirmware = 'v'

	ackPrefix      = "ACK"
	sampleBytes    = 12
	serialBytes    = 6
	maxLineLength  = 256
	defaultTimeout = 2 * time.Second
)

// Port is the subset of serial.Port the transport needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// PortOpener opens a serial port. serial.Open is used when none is given.
type PortOpener func(path string, mode *serial.Mode) (Port, error)

func openSerialPort(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// PortOptions describes the serial line settings.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and fills in defaults.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 1000000
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, glazeerr.Configf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, glazeerr.Configf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, glazeerr.Configf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into a go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// Serial drives a Le-style amplifier over a serial line.
type Serial struct {
	mu   sync.Mutex
	path string
	port Port
}

// OpenSerial opens path with opts and sets the read timeout. A zero timeout
// uses two seconds.
func OpenSerial(path string, opts PortOptions, timeout time.Duration, opener PortOpener) (*Serial, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	if opener == nil {
		opener = openSerialPort
	}
	port, err := opener(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %q: %w", path, err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %q: %w", path, err)
	}
	return &Serial{path: path, port: port}, nil
}

// MoveTo sends the position as a little-endian float32 and waits for the
// acknowledgement line.
func (s *Serial) MoveTo(x float64) error {
	if !(x >= 0 && x <= 1) {
		return glazeerr.Configf("stage position %v outside [0, 1]", x)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := make([]byte, 5)
	msg[0] = cmdPosition
	binary.LittleEndian.PutUint32(msg[1:], math.Float32bits(float32(x)))
	if err := s.write(msg); err != nil {
		return err
	}
	line, err := s.readLine()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, ackPrefix) {
		return fmt.Errorf("%w: command %q: expected %q, received %q", ErrProtocol, cmdPosition, ackPrefix, line)
	}
	return nil
}

// ReadSample fetches one reading: delay, X and Y as little-endian float32.
// X and Y are returned in polar form with the phase in [0, 360).
func (s *Serial) ReadSample() (RawSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write([]byte{cmdRead}); err != nil {
		return RawSample{}, err
	}
	buf := make([]byte, sampleBytes)
	if err := s.readFull(buf); err != nil {
		return RawSample{}, err
	}
	delay := decodeFloat32(buf[0:4])
	x := decodeFloat32(buf[4:8])
	y := decodeFloat32(buf[8:12])
	r, theta := Polar(x, y)
	sample := RawSample{Delay: delay, R: r, Theta: theta}
	streams.Tracef("%s: read %+v", s.path, sample)
	return sample, nil
}

// SerialNumber implements Identifier.
func (s *Serial) SerialNumber() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write([]byte{cmdSerial}); err != nil {
		return "", err
	}
	buf := make([]byte, serialBytes)
	if err := s.readFull(buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(buf)), nil
}

// FirmwareVersion implements Identifier.
func (s *Serial) FirmwareVersion() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write([]byte{cmdFirmware}); err != nil {
		return "", err
	}
	return s.readLine()
}

// Close closes the serial port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

func (s *Serial) write(p []byte) error {
	if _, err := s.port.Write(p); err != nil {
		return fmt.Errorf("failed to write to %q: %w", s.path, err)
	}
	return nil
}

// readFull fills buf. A read that returns no data means the port timed out.
func (s *Serial) readFull(buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := s.port.Read(buf[got:])
		got += n
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read from %q: %w", s.path, err)
		}
		if n == 0 {
			break
		}
	}
	if got != len(buf) {
		return fmt.Errorf("%w: received %d bytes, expected %d", ErrEmptyResponse, got, len(buf))
	}
	return nil
}

// readLine reads up to a newline and returns the trimmed line.
func (s *Serial) readLine() (string, error) {
	var line bytes.Buffer
	b := make([]byte, 1)
	for line.Len() < maxLineLength {
		n, err := s.port.Read(b)
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read from %q: %w", s.path, err)
		}
		if n == 0 || b[0] == '\n' {
			break
		}
		line.WriteByte(b[0])
	}
	out := strings.TrimSpace(line.String())
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

func decodeFloat32(b []byte) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
}

// Polar converts lock-in X/Y to magnitude and phase in degrees within
// [0, 360).
func Polar(x, y float64) (r, theta float64) {
	r = math.Hypot(x, y)
	theta = math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
	return r, theta
}

// ListPorts returns the serial ports present on the system followed by the
// mock device names.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return append(ports, MockDevices()...), nil
}
