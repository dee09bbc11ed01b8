package budget

import (
	"sync"
	"time"

	"github.com/atp-project/routecore/internal/clock"
)

// slidingLimiter caps requests per key over a sliding window by retaining
// per-key timestamps. A limit of 0 disables the limiter.
type slidingLimiter struct {
	clk    clock.Clock
	window time.Duration
	limit  int

	mu   sync.Mutex
	hits map[string][]time.Time
}

func newSlidingLimiter(clk clock.Clock, window time.Duration, limit int) *slidingLimiter {
	return &slidingLimiter{
		clk:    clk,
		window: window,
		limit:  limit,
		hits:   make(map[string][]time.Time),
	}
}

// allow records one request for key and reports whether it fits the window.
func (l *slidingLimiter) allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	now := l.clk.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.hits[key]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false
	}
	l.hits[key] = append(kept, now)
	return true
}

// gc drops keys whose entire window has expired.
func (l *slidingLimiter) gc() {
	cutoff := l.clk.Now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, window := range l.hits {
		alive := false
		for _, t := range window {
			if t.After(cutoff) {
				alive = true
				break
			}
		}
		if !alive {
			delete(l.hits, key)
		}
	}
}
