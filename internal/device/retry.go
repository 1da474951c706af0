package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/glaze/internal/timeutil"
)

// ErrNotSupported is returned by identity queries the device cannot answer.
var ErrNotSupported = errors.New("not supported by device")

// RetryPolicy is an exponential backoff: attempt k (from 1) waits
// BaseDelay * 2^(k-1) before trying again.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxTries  int
}

// DefaultRetryPolicy matches the timing the amplifier firmware needs to
// recover from a dropped response.
var DefaultRetryPolicy = RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxTries: 5}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxTries <= 0 {
		p.MaxTries = DefaultRetryPolicy.MaxTries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	return p
}

// retryTransport retries operations that fail with ErrEmptyResponse.
// Every other error is returned immediately.
type retryTransport struct {
	inner  Transport
	policy RetryPolicy
	clock  timeutil.Clock
}

// WithRetry wraps t so that empty responses are retried with backoff.
func WithRetry(t Transport, policy RetryPolicy, clock timeutil.Clock) Transport {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &retryTransport{inner: t, policy: policy.normalize(), clock: clock}
}

func (r *retryTransport) do(op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.policy.MaxTries; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, ErrEmptyResponse) {
			return err
		}
		if attempt == r.policy.MaxTries {
			break
		}
		wait := r.policy.BaseDelay << (attempt - 1)
		streams.Opsf("%s: attempt %d/%d failed, retrying in %s: %v", op, attempt, r.policy.MaxTries, wait, err)
		r.clock.Sleep(wait)
	}
	return fmt.Errorf("failed to %s after %d tries: %w", op, r.policy.MaxTries, err)
}

func (r *retryTransport) MoveTo(x float64) error {
	return r.do("move stage", func() error { return r.inner.MoveTo(x) })
}

func (r *retryTransport) ReadSample() (RawSample, error) {
	var s RawSample
	err := r.do("read sample", func() error {
		var err error
		s, err = r.inner.ReadSample()
		return err
	})
	return s, err
}

func (r *retryTransport) SerialNumber() (string, error) {
	id, ok := r.inner.(Identifier)
	if !ok {
		return "", ErrNotSupported
	}
	var out string
	err := r.do("read serial number", func() error {
		var err error
		out, err = id.SerialNumber()
		return err
	})
	return out, err
}

func (r *retryTransport) FirmwareVersion() (string, error) {
	id, ok := r.inner.(Identifier)
	if !ok {
		return "", ErrNotSupported
	}
	var out string
	err := r.do("read firmware version", func() error {
		var err error
		out, err = id.FirmwareVersion()
		return err
	})
	return out, err
}

func (r *retryTransport) Close() error { return r.inner.Close() }
