package glaze

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/glaze/internal/config"
	"github.com/banshee-data/glaze/internal/device"
	"github.com/banshee-data/glaze/internal/glazeerr"
	"github.com/banshee-data/glaze/internal/scanner"
	"github.com/banshee-data/glaze/internal/timeutil"
	"github.com/banshee-data/glaze/internal/waveform"
)

const pointsPerScan = 10

func testConfig(port string) *config.DeviceConfiguration {
	return &config.DeviceConfiguration{
		Kind:               config.KindLe,
		AmpPort:            port,
		DelayUnit:          "mock_delay",
		IntegrationPeriods: 1,
		Intervals:          []config.Interval{{Start: 0, End: 1}},
		NPoints:            pointsPerScan,
	}
}

func newClock() *timeutil.MockClock {
	return timeutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

// countingTransport reports the 1-based scan number as the magnitude of
// every reading, so a waveform's signal identifies the scan it came from.
// A non-nil gate makes every read wait for a permit.
type countingTransport struct {
	gate chan struct{}

	mu         sync.Mutex
	pos        float64
	reads      int
	closed     bool
	afterClose int
}

func (c *countingTransport) MoveTo(x float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.afterClose++
	}
	c.pos = x
	return nil
}

func (c *countingTransport) ReadSample() (device.RawSample, error) {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.afterClose++
	}
	c.reads++
	scan := (c.reads-1)/pointsPerScan + 1
	return device.RawSample{Delay: c.pos, R: float64(scan), Theta: 300}, nil
}

func (c *countingTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *countingTransport) snapshot() (reads, afterClose int, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads, c.afterClose, c.closed
}

func openCounting(t *testing.T, tr *countingTransport, opts ...Option) *Client {
	t.Helper()
	opts = append(opts, WithScannerOptions(scanner.WithTransport(tr)))
	c, err := Open(testConfig("counting"), opts...)
	require.NoError(t, err)
	return c
}

func scanNumber(w *waveform.Unprocessed) float64 { return w.Signal()[0] }

func readCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestReadReturnsBatchInCompletionOrder(t *testing.T) {
	t.Parallel()

	c := openCounting(t, &countingTransport{})
	defer c.Close()

	got, err := c.Read(readCtx(t), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, scanNumber(got[0])+1, scanNumber(got[1]))
	assert.Equal(t, pointsPerScan, got[0].Len())

	more, err := c.Read(readCtx(t), 3)
	require.NoError(t, err)
	require.Len(t, more, 3)
	assert.Greater(t, scanNumber(more[0]), scanNumber(got[1]))
	assert.Equal(t, scanNumber(more[0])+2, scanNumber(more[2]))
}

func TestReadAgainstMockDevice(t *testing.T) {
	t.Parallel()

	c, err := Open(testConfig(device.MockDevice), WithClock(newClock()))
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "M-9999", c.SerialNumber())
	assert.Equal(t, "v0.1.0", c.FirmwareVersion())

	got, err := c.Read(readCtx(t), 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.NotNil(t, c.Latest())
}

func TestDropOldestEvicts(t *testing.T) {
	t.Parallel()

	c := openCounting(t, &countingTransport{}, WithCapacity(2))
	defer c.Close()

	require.Eventually(t, func() bool { return c.Stats().Completed >= 6 }, 5*time.Second, time.Millisecond)
	got, err := c.Read(readCtx(t), 2)
	require.NoError(t, err)
	assert.Equal(t, scanNumber(got[0])+1, scanNumber(got[1]))
	assert.Greater(t, scanNumber(got[0]), 1.0, "the first scans were evicted")
	assert.Positive(t, c.Stats().Evicted)
}

func TestBlockPolicyNeverDrops(t *testing.T) {
	t.Parallel()

	c := openCounting(t, &countingTransport{}, WithCapacity(2), WithPolicy(Block))
	defer c.Close()

	// Two scans fill the queue; the third completes and waits for room.
	require.Eventually(t, func() bool { return c.Stats().Completed == 3 }, 5*time.Second, time.Millisecond)
	assert.Never(t, func() bool { return c.Stats().Completed > 3 }, 50*time.Millisecond, 5*time.Millisecond)
	s := c.Stats()
	assert.Equal(t, 2, s.Queued)
	assert.Zero(t, s.Evicted)

	got, err := c.Read(readCtx(t), 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, []float64{scanNumber(got[0]), scanNumber(got[1])})

	next, err := c.Read(readCtx(t), 1)
	require.NoError(t, err)
	assert.Equal(t, 3.0, scanNumber(next[0]))
}

func TestCloseWhileBlockedOnFullQueue(t *testing.T) {
	t.Parallel()

	c := openCounting(t, &countingTransport{}, WithCapacity(1), WithPolicy(Block))
	require.Eventually(t, func() bool { return c.Stats().Completed == 2 }, 5*time.Second, time.Millisecond)
	require.NoError(t, c.Close())
	assert.True(t, c.Stats().Closed)
	assert.Zero(t, c.Stats().Queued)
}

func TestReadValidatesCount(t *testing.T) {
	t.Parallel()

	c := openCounting(t, &countingTransport{}, WithCapacity(3))
	defer c.Close()

	for _, n := range []int{0, -1, 4} {
		_, err := c.Read(readCtx(t), n)
		assert.ErrorIs(t, err, glazeerr.ErrConfiguration, "n=%d", n)
	}
}

func TestReadHonoursContext(t *testing.T) {
	t.Parallel()

	tr := &countingTransport{gate: make(chan struct{})}
	c := openCounting(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Read(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(tr.gate)
	require.NoError(t, c.Close())

	_, err = c.Read(readCtx(t), 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWaitsForInFlightScan(t *testing.T) {
	t.Parallel()

	tr := &countingTransport{gate: make(chan struct{})}
	c := openCounting(t, tr)

	// Let the first scan get part of the way through.
	for range 3 {
		tr.gate <- struct{}{}
	}

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	require.Eventually(t, func() bool {
		select {
		case <-c.stop:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)

	select {
	case <-closed:
		t.Fatal("Close returned before the in-flight scan finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(tr.gate)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	reads, afterClose, isClosed := tr.snapshot()
	assert.Equal(t, pointsPerScan, reads, "exactly one full scan")
	assert.Zero(t, afterClose, "no transport call after Close")
	assert.True(t, isClosed)
	assert.Equal(t, int64(1), c.Stats().Completed)
}

func TestWorkerErrorGoesToRead(t *testing.T) {
	t.Parallel()

	c, err := Open(testConfig(device.MockScanShouldFail), WithClock(newClock()))
	require.NoError(t, err)

	_, err = c.Read(readCtx(t), 1)
	assert.ErrorIs(t, err, glazeerr.ErrAcquisition)
	assert.ErrorIs(t, err, device.ErrEmptyResponse)

	_, err = c.Read(readCtx(t), 1)
	assert.ErrorIs(t, err, ErrWorkerStopped)

	assert.NoError(t, c.Close(), "the error was already delivered")
}

func TestWorkerErrorGoesToClose(t *testing.T) {
	t.Parallel()

	c, err := Open(testConfig(device.MockScanShouldFail), WithClock(newClock()))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Stats().WorkerError != "" }, 5*time.Second, time.Millisecond)

	err = c.Close()
	assert.ErrorIs(t, err, glazeerr.ErrAcquisition)
	assert.Equal(t, err, c.Close(), "Close is idempotent")
}

func TestNextAverages(t *testing.T) {
	t.Parallel()

	c := openCounting(t, &countingTransport{})
	defer c.Close()

	// Two consecutive scans k and k+1 average to k+0.5 everywhere.
	avg, err := c.Next(readCtx(t), 2)
	require.NoError(t, err)
	signal := avg.Signal()
	assert.Equal(t, 0.5, signal[0]-math.Floor(signal[0]))
	for _, v := range signal {
		assert.Equal(t, signal[0], v)
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	var batch []*waveform.Unprocessed
	err := Run(context.Background(), testConfig(device.MockInstant), func(ctx context.Context, c *Client) error {
		var err error
		batch, err = c.Read(ctx, 2)
		return err
	})
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	boom := errors.New("analysis failed")
	err = Run(context.Background(), testConfig(device.MockInstant), func(context.Context, *Client) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = Run(context.Background(), testConfig(device.MockScanShouldFail), func(_ context.Context, c *Client) error {
		for c.Stats().WorkerError == "" {
			time.Sleep(time.Millisecond)
		}
		return nil
	}, WithClock(newClock()))
	assert.ErrorIs(t, err, glazeerr.ErrAcquisition, "an undelivered worker error surfaces at scope exit")
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	_, err := Open(testConfig(device.MockInstant), WithCapacity(0))
	assert.ErrorIs(t, err, glazeerr.ErrConfiguration)

	_, err = Open(testConfig(device.MockInstant), WithPolicy(Policy(7)))
	assert.ErrorIs(t, err, glazeerr.ErrConfiguration)

	bad := testConfig(device.MockInstant)
	bad.Intervals = []config.Interval{{Start: 0.2, End: 0.2}}
	_, err = Open(bad)
	assert.ErrorIs(t, err, glazeerr.ErrConfiguration)
}

func TestStatsAndAdminRoutes(t *testing.T) {
	t.Parallel()

	c := openCounting(t, &countingTransport{}, WithCapacity(4))
	defer c.Close()

	_, err := c.Read(readCtx(t), 1)
	require.NoError(t, err)

	s := c.Stats()
	assert.Equal(t, c.ID().String(), s.Session)
	assert.Equal(t, "drop_oldest", s.Policy)
	assert.Equal(t, 4, s.Capacity)
	assert.Equal(t, int64(1), s.Delivered)
	assert.Empty(t, s.SerialNumber, "counting transport has no identity")

	mux := http.NewServeMux()
	c.AttachAdminRoutes(mux)

	t.Run("status", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug/glaze", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		// Debug routes may reject non-local callers with 403.
		assert.NotEqual(t, http.StatusNotFound, w.Code)
		if w.Code == http.StatusOK {
			var got Stats
			require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
			assert.Equal(t, s.Session, got.Session)
			assert.Equal(t, "counting", got.AmpPort)
		}
	})

	t.Run("latest chart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug/glaze-latest", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		assert.NotEqual(t, http.StatusNotFound, w.Code)
		if w.Code == http.StatusOK {
			assert.Contains(t, w.Body.String(), "Latest scan")
		}
	})
}

func TestPolicyString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "block", Block.String())
	assert.Equal(t, "Policy(9)", Policy(9).String())
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	for _, p := range []Policy{DropOldest, Block} {
		got, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePolicy("newest")
	assert.ErrorIs(t, err, glazeerr.ErrConfiguration)
}
