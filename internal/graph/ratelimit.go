package graph

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces Graph requests with a token bucket and remembers the
// provider's most recent throttling window.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with burst.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		now:     time.Now,
	}
}

// Wait blocks until the token bucket admits a request.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Backoff reports how much of the throttling window remains.
func (r *RateLimiter) Backoff() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	remaining := r.retryAt.Sub(r.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// RecordRateLimit opens a throttling window of retryAfter (DefaultRetryAfter
// when zero). A shorter window never shrinks an open one.
func (r *RateLimiter) RecordRateLimit(retryAfter time.Duration) time.Duration {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if until := r.now().Add(retryAfter); until.After(r.retryAt) {
		r.retryAt = until
	}
	return retryAfter
}
