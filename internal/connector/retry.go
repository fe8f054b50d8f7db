package connector

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/telhawk-systems/threatlink/internal/models"
)

// Retrier retries outbound calls with exponential backoff: the wait before
// attempt n+1 is BaseDelay·2^(n-1), without jitter.
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func NewRetrier(p models.RetryPolicy) Retrier {
	r := Retrier{MaxAttempts: p.MaxAttempts, BaseDelay: p.BaseDelay}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = time.Second
	}
	return r
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrSyncFailed),
		errors.Is(err, ErrSyncTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Do runs fn until it succeeds, returns a non-retryable error, attempts run
// out or ctx ends.
func (r Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0

	attempts := max(r.MaxAttempts, 1)
	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if r.OnRetry != nil {
			r.OnRetry(attempt, err, wait)
		}
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx), notify)
}

// Throttle enforces a minimum spacing between outbound calls.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle allows perMinute calls per minute, one at a time. Zero or less
// disables throttling.
func NewThrottle(perMinute int) *Throttle {
	if perMinute <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)}
}

// Interval is the enforced spacing.
func (t *Throttle) Interval() time.Duration {
	if t.limiter.Limit() == rate.Inf {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(t.limiter.Limit()))
}

// Wait blocks until the next call may go out or ctx ends.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}
