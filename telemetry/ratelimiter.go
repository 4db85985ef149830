package telemetry

import (
	"sync"
	"time"
)

// LogRateLimiter throttles log emission to at most one event per interval.
// It keeps error logging from flooding output during sustained provider
// failures.
type LogRateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewLogRateLimiter creates a limiter allowing one event per interval.
func NewLogRateLimiter(interval time.Duration) *LogRateLimiter {
	return &LogRateLimiter{interval: interval}
}

// Allow reports whether an event may be emitted now.
func (r *LogRateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.last) < r.interval {
		return false
	}
	r.last = now
	return true
}
