package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxLimiterKeys caps tracked keys so rotating callers cannot grow the map without bound.
const maxLimiterKeys = 4096

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket refilled at rpm requests per minute.
// A non-positive rpm disables limiting. Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per key
// with the given burst.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{burst: burst, entries: make(map[string]*limiterEntry), now: time.Now}
	if rpm > 0 {
		rl.limit = rate.Limit(float64(rpm) / 60)
	}
	return rl
}

// Enabled reports whether requests are limited at all.
func (rl *RateLimiter) Enabled() bool { return rl.limit > 0 }

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() {
		return true
	}

	rl.mu.Lock()
	now := rl.now()
	e, ok := rl.entries[key]
	if !ok {
		if len(rl.entries) >= maxLimiterKeys {
			rl.pruneLocked(now)
		}
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[key] = e
	}
	e.lastSeen = now
	rl.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// pruneLocked drops keys idle long enough to have refilled, then evicts
// arbitrary keys if still at cap.
func (rl *RateLimiter) pruneLocked(now time.Time) {
	idle := time.Duration(float64(time.Second) * float64(rl.burst) / float64(rl.limit))
	for k, e := range rl.entries {
		if now.Sub(e.lastSeen) >= idle {
			delete(rl.entries, k)
		}
	}
	for len(rl.entries) >= maxLimiterKeys {
		for k := range rl.entries {
			delete(rl.entries, k)
			break
		}
	}
}
