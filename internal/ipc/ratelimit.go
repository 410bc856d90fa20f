package ipc

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter provides per-UID connection rate limiting with a token bucket
// for each peer uid. In-memory only; IPC is local.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[uint32]*rate.Limiter
}

// NewRateLimiter allows perSecond connections per uid with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[uint32]*rate.Limiter),
	}
}

// Allow checks whether a UID is allowed to connect now and records the attempt.
func (r *RateLimiter) Allow(uid uint32) bool {
	r.mu.Lock()
	l, ok := r.limiters[uid]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[uid] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// Reset clears all rate limit state (for testing).
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters = make(map[uint32]*rate.Limiter)
}
