package pipeline

import (
	"context"
	"time"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// RetryPolicy bounds how often a transient adapter failure is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy is three attempts with 1s, 2s backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseBackoff: time.Second,
	MaxBackoff:  30 * time.Second,
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// backoff returns the wait before attempt n+1, doubling from BaseBackoff.
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withRetry calls fn until it succeeds, returns a non-retryable error, or
// the policy is exhausted. It returns the attempt count alongside the result.
func withRetry[T any](ctx context.Context, p RetryPolicy, sleep sleepFunc, fn func(context.Context) (T, error)) (T, int, error) {
	var (
		zero T
		err  error
	)
	limit := p.attempts()
	for attempt := 1; attempt <= limit; attempt++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, attempt, nil
		}
		if !domain.IsRetryable(err) || attempt == limit {
			return zero, attempt, err
		}
		if serr := sleep(ctx, p.backoff(attempt)); serr != nil {
			return zero, attempt, err
		}
	}
	return zero, limit, err
}
