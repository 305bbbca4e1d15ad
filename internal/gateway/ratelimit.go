package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a per-source requests-per-minute limit.
// rpm <= 0 disables limiting.
type RateLimiter struct {
	rpm     int
	mu      sync.Mutex
	sources map[string]*sourceLimiter
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterIdleEviction = 10 * time.Minute

func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		rpm:     rpm,
		sources: make(map[string]*sourceLimiter),
	}
}

func (rl *RateLimiter) Enabled() bool { return rl.rpm > 0 }

// Allow reports whether the source may make a request now.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	sl, ok := rl.sources[key]
	if !ok {
		sl = &sourceLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.rpm)/60), rl.rpm),
		}
		rl.sources[key] = sl
		rl.pruneLocked(now)
	}
	sl.lastSeen = now
	return sl.limiter.Allow()
}

// pruneLocked drops limiters for sources idle past the eviction window.
func (rl *RateLimiter) pruneLocked(now time.Time) {
	for key, sl := range rl.sources {
		if now.Sub(sl.lastSeen) > limiterIdleEviction {
			delete(rl.sources, key)
		}
	}
}
