package cast

import (
	"context"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultRetryAttempts    = 3
	defaultRetryBaseBackoff = 120 * time.Millisecond
	defaultRetryMaxBackoff  = 800 * time.Millisecond
)

// RetryPolicy bounds device-level retries of a mirror load. Backoff doubles
// from BaseBackoff per attempt and is capped at MaxBackoff.
type RetryPolicy struct {
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:    defaultRetryAttempts,
		BaseBackoff: defaultRetryBaseBackoff,
		MaxBackoff:  defaultRetryMaxBackoff,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	p.Attempts = max(p.Attempts, 1)
	p.BaseBackoff = max(p.BaseBackoff, 0)
	p.MaxBackoff = max(p.MaxBackoff, p.BaseBackoff)
	return p
}

// delay is the wait after the given failed attempt, counted from 1.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.BaseBackoff <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, p.MaxBackoff)
}

// withRetry runs call until it succeeds, fails permanently, or the policy's
// attempts run out. The last call error is returned.
func (c *Coordinator) withRetry(ctx context.Context, operation string, call func() error) error {
	policy := c.retry.normalized()

	for attempt := 1; ; attempt++ {
		err := call()
		if err == nil || attempt == policy.Attempts || !retryable(err) {
			return err
		}

		wait := policy.delay(attempt)
		c.log.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt+1).
			Int("attempts", policy.Attempts).
			Dur("backoff", wait).
			Msg("retrying")
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// transientMessages catches receiver errors that arrive as plain strings
// from the cast client.
var transientMessages = []string{
	"timeout",
	"temporar",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"network is unreachable",
	"no route to host",
}

// retryable reports whether a load failure looks like a network blip.
func retryable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
