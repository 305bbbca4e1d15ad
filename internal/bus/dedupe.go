package bus

import (
	"sync"
	"time"
)

// DedupeCache is a TTL cache of recently seen event keys.
// Webhook retries and double-taps must not produce duplicate intake.
// Safe for concurrent use.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	max     int
}

// NewDedupeCache creates a cache with the given TTL and max entry count.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 5000
	}
	return &DedupeCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		max:     max,
	}
}

// IsDuplicate records the key and reports whether it was already present
// within the TTL window.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if seen, ok := c.entries[key]; ok && now.Sub(seen) < c.ttl {
		return true
	}

	// Prune expired entries when approaching the cap, then evict arbitrarily
	// if still full (map iteration order).
	if len(c.entries) >= c.max {
		for k, t := range c.entries {
			if now.Sub(t) >= c.ttl {
				delete(c.entries, k)
			}
		}
		for len(c.entries) >= c.max {
			for k := range c.entries {
				delete(c.entries, k)
				break
			}
		}
	}

	c.entries[key] = now
	return false
}
