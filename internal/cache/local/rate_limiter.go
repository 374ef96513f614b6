// Package local provides single-process stand-ins for the Redis-backed
// coordination primitives, used when Redis is disabled.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// RateLimiter implements domain.RateLimiter with one token bucket per key.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a RateLimiter whose Wait admits limit requests
// per window for each key, with bursts of up to limit.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		limiters: make(map[string]*rate.Limiter),
	}
}

func every(limit int, window time.Duration) rate.Limit {
	return rate.Every(window / time.Duration(limit))
}

// bucket returns the limiter for key, retuned to limit per window.
func (rl *RateLimiter) bucket(key string, limit int, window time.Duration) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	r := every(limit, window)
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(r, limit)
		rl.limiters[key] = l
		return l
	}
	if l.Limit() != r {
		l.SetLimit(r)
	}
	if l.Burst() != limit {
		l.SetBurst(limit)
	}
	return l
}

// Allow reports whether a request for key fits within limit per window.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, fmt.Errorf("local: rate limit %s: invalid limit %d per %s", key, limit, window)
	}
	return rl.bucket(key, limit, window).Allow(), nil
}

// Wait blocks until a request for key is admitted or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	if err := rl.bucket(key, rl.limit, rl.window).Wait(ctx); err != nil {
		return fmt.Errorf("local: rate limit wait %s: %w", key, err)
	}
	return nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
