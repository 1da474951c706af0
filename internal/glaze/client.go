// Package glaze runs continuous acquisition: one background worker scans
// back to back and publishes each waveform to a bounded queue that callers
// drain with Read.
package glaze

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/glaze/internal/config"
	"github.com/banshee-data/glaze/internal/device"
	"github.com/banshee-data/glaze/internal/glazeerr"
	"github.com/banshee-data/glaze/internal/monitoring"
	"github.com/banshee-data/glaze/internal/scanner"
	"github.com/banshee-data/glaze/internal/timeutil"
	"github.com/banshee-data/glaze/internal/waveform"
)

// DefaultCapacity is the queue size used when none is given.
const DefaultCapacity = 10

// ErrClosed is returned by Read after the session has ended.
var ErrClosed = errors.New("glaze client closed")

// ErrWorkerStopped is returned by Read when the worker has already
// reported its failure and not enough waveforms remain queued.
var ErrWorkerStopped = errors.New("acquisition worker stopped")

// Policy decides what the worker does when the queue is full.
type Policy int

const (
	// DropOldest evicts the oldest unread waveform to make room.
	DropOldest Policy = iota
	// Block makes the worker wait for the reader before scanning again.
	Block
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps the String form back to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop_oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return 0, glazeerr.Configf("unknown queue policy %q", s)
	}
}

var streams = monitoring.NewStreams("[glaze] ")

// SetLogWriters configures the ops, diag and trace streams for the package.
func SetLogWriters(ops, diag, trace io.Writer) {
	streams.SetWriters(ops, diag, trace)
}

type options struct {
	capacity    int
	policy      Policy
	clock       timeutil.Clock
	scannerOpts []scanner.Option
}

// Option configures a Client.
type Option func(*options)

// WithCapacity sets the queue capacity.
func WithCapacity(n int) Option { return func(o *options) { o.capacity = n } }

// WithPolicy sets the backpressure policy.
func WithPolicy(p Policy) Option { return func(o *options) { o.policy = p } }

// WithClock sets the clock used by the scanner and for session timestamps.
func WithClock(c timeutil.Clock) Option { return func(o *options) { o.clock = c } }

// WithScannerOptions passes options through to scanner.New.
func WithScannerOptions(opts ...scanner.Option) Option {
	return func(o *options) { o.scannerOpts = append(o.scannerOpts, opts...) }
}

// Client is one continuous acquisition session. The worker goroutine owns
// the scanner and its transport until Close returns.
type Client struct {
	id       uuid.UUID
	cfg      *config.DeviceConfiguration
	capacity int
	policy   Policy
	clock    timeutil.Clock
	started  time.Time
	serial   string
	firmware string

	scanner *scanner.Scanner
	stop    chan struct{}
	done    chan struct{}

	mu           sync.Mutex
	queue        []*waveform.Unprocessed
	changed      chan struct{}
	err          error
	errDelivered bool
	workerDone   bool
	closed       bool

	completed atomic.Int64
	evicted   atomic.Int64
	delivered atomic.Int64
	latest    atomic.Pointer[waveform.Unprocessed]

	closeOnce sync.Once
	closeErr  error
}

// Open builds the scanner, reads the device identity and starts the
// worker. Configuration and connection errors are returned here.
func Open(cfg *config.DeviceConfiguration, opts ...Option) (*Client, error) {
	o := options{capacity: DefaultCapacity, policy: DropOldest, clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity < 1 {
		return nil, glazeerr.Configf("queue capacity must be at least 1, got %d", o.capacity)
	}
	if o.policy != DropOldest && o.policy != Block {
		return nil, glazeerr.Configf("unknown queue policy %v", o.policy)
	}

	sc, err := scanner.New(cfg, append([]scanner.Option{scanner.WithClock(o.clock)}, o.scannerOpts...)...)
	if err != nil {
		return nil, err
	}
	c := &Client{
		id:       uuid.New(),
		cfg:      sc.Config(),
		capacity: o.capacity,
		policy:   o.policy,
		clock:    o.clock,
		started:  o.clock.Now(),
		scanner:  sc,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		changed:  make(chan struct{}),
	}
	if c.serial, err = identity(sc.SerialNumber); err != nil {
		sc.Close()
		return nil, glazeerr.Acquisition("read serial number", err)
	}
	if c.firmware, err = identity(sc.FirmwareVersion); err != nil {
		sc.Close()
		return nil, glazeerr.Acquisition("read firmware version", err)
	}

	streams.Diagf("session %s: starting on %q (serial %q, firmware %q), capacity %d, policy %s",
		c.id, c.cfg.AmpPort, c.serial, c.firmware, c.capacity, c.policy)
	go c.run()
	return c, nil
}

func identity(read func() (string, error)) (string, error) {
	v, err := read()
	if errors.Is(err, device.ErrNotSupported) {
		return "", nil
	}
	return v, err
}

// Run opens a session, calls fn and closes the session however fn
// returns. Errors from fn and Close are joined.
func Run(ctx context.Context, cfg *config.DeviceConfiguration, fn func(context.Context, *Client) error, opts ...Option) error {
	c, err := Open(cfg, opts...)
	if err != nil {
		return err
	}
	fnErr := fn(ctx, c)
	return errors.Join(fnErr, c.Close())
}

// run is the worker loop. The stop signal is only checked between scans
// so the stage is never left mid-sweep.
func (c *Client) run() {
	defer func() {
		c.mu.Lock()
		c.workerDone = true
		c.broadcastLocked()
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		w, err := c.scanner.Scan()
		if err != nil {
			streams.Opsf("session %s: worker stopped: %v", c.id, err)
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		c.completed.Add(1)
		c.latest.Store(w)
		if !c.publish(w) {
			return
		}
	}
}

// publish queues w according to the policy. It returns false when the
// session is stopping.
func (c *Client) publish(w *waveform.Unprocessed) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) >= c.capacity {
		if c.policy == DropOldest {
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.evicted.Add(1)
			streams.Diagf("session %s: queue full, evicted oldest waveform", c.id)
			break
		}
		ch := c.changed
		c.mu.Unlock()
		select {
		case <-ch:
		case <-c.stop:
			c.mu.Lock()
			return false
		}
		c.mu.Lock()
	}
	c.queue = append(c.queue, w)
	c.broadcastLocked()
	return true
}

// broadcastLocked wakes every waiter. c.mu must be held.
func (c *Client) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Read blocks until n waveforms are queued and returns them in completion
// order. It never returns a partial batch. A worker failure is returned by
// the first Read that observes it, ahead of any queued data. Cancelling
// ctx is the only way to bound the wait.
func (c *Client) Read(ctx context.Context, n int) ([]*waveform.Unprocessed, error) {
	if n < 1 || n > c.capacity {
		return nil, glazeerr.Configf("cannot read %d waveforms from a queue of capacity %d", n, c.capacity)
	}
	c.mu.Lock()
	for {
		switch {
		case c.closed:
			c.mu.Unlock()
			return nil, ErrClosed
		case c.err != nil && !c.errDelivered:
			c.errDelivered = true
			err := c.err
			c.mu.Unlock()
			return nil, err
		case len(c.queue) >= n:
			out := make([]*waveform.Unprocessed, n)
			copy(out, c.queue)
			clear(c.queue[:n])
			c.queue = c.queue[n:]
			c.broadcastLocked()
			c.mu.Unlock()
			c.delivered.Add(int64(n))
			return out, nil
		case c.workerDone:
			err := ErrClosed
			if c.err != nil {
				err = ErrWorkerStopped
			}
			c.mu.Unlock()
			return nil, err
		}
		ch := c.changed
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
	}
}

// Next reads the next averagedOver waveforms and returns their average.
func (c *Client) Next(ctx context.Context, averagedOver int) (*waveform.Unprocessed, error) {
	ws, err := c.Read(ctx, averagedOver)
	if err != nil {
		return nil, err
	}
	return waveform.Average(ws)
}

// Close stops the worker after its in-flight scan, discards unread
// waveforms and closes the transport. It returns any worker error that
// no Read has delivered. Close is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done

		c.mu.Lock()
		dropped := len(c.queue)
		c.queue = nil
		c.closed = true
		var workerErr error
		if c.err != nil && !c.errDelivered {
			c.errDelivered = true
			workerErr = c.err
		}
		c.broadcastLocked()
		c.mu.Unlock()

		if dropped > 0 {
			streams.Diagf("session %s: discarded %d unread waveforms", c.id, dropped)
		}
		var closeErr error
		if err := c.scanner.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close scanner: %w", err)
		}
		c.closeErr = errors.Join(workerErr, closeErr)
		streams.Diagf("session %s: closed after %d scans", c.id, c.completed.Load())
	})
	return c.closeErr
}

// ID identifies the session in logs and status output.
func (c *Client) ID() uuid.UUID { return c.id }

// Capacity returns the queue capacity.
func (c *Client) Capacity() int { return c.capacity }

// Config returns a copy of the session configuration.
func (c *Client) Config() *config.DeviceConfiguration { return c.cfg.Clone() }

// SerialNumber returns the device serial number read at Open, or "" when
// the transport cannot report one.
func (c *Client) SerialNumber() string { return c.serial }

// FirmwareVersion returns the firmware version read at Open, or "".
func (c *Client) FirmwareVersion() string { return c.firmware }

// Latest returns the most recently completed waveform, or nil.
func (c *Client) Latest() *waveform.Unprocessed { return c.latest.Load() }
