package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys for a bounded time so redelivered
// events (webhook retries, feed replays, double-taps) are processed once.
// Bounded by maxEntries; safe for concurrent use.
type DedupeCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	seen       map[string]time.Time
	now        func() time.Time
}

// NewDedupeCache creates a cache that forgets keys after ttl and never holds
// more than maxEntries keys.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &DedupeCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
		now:        time.Now,
	}
}

// IsDuplicate records key and reports whether it was already seen within the TTL.
// Check and record happen under one lock.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}

	if len(c.seen) >= c.maxEntries {
		c.pruneLocked(now)
		// Hard eviction if still at cap (FIFO-ish via map iteration)
		for len(c.seen) >= c.maxEntries {
			for k := range c.seen {
				delete(c.seen, k)
				break
			}
		}
	}

	c.seen[key] = now
	return false
}

// Len returns the number of tracked keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *DedupeCache) pruneLocked(now time.Time) {
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
}
