package pricing

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atp-project/routecore/internal/clock"
	"github.com/atp-project/routecore/internal/events"
)

// changeRingCap bounds the retained change log; newest wins on overflow.
const changeRingCap = 256

// Cache is a TTL'd pricing store with change detection. Reads take a shared
// lock and never block on the change log; writes serialize per cache.
type Cache struct {
	clk              clock.Clock
	ttl              time.Duration
	changeThresholdP float64

	bus           *events.Bus
	changeCounter prometheus.Counter

	mu      sync.RWMutex
	entries map[string]Entry

	changeMu sync.Mutex
	changes  []Change // ring, oldest first
}

func cacheKey(provider, model string) string { return provider + "::" + model }

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithChangeBus publishes a pricing_change event for every detected change.
func WithChangeBus(bus *events.Bus) CacheOption {
	return func(c *Cache) { c.bus = bus }
}

// WithChangeCounter counts detected changes.
func WithChangeCounter(counter prometheus.Counter) CacheOption {
	return func(c *Cache) { c.changeCounter = counter }
}

// NewCache creates a pricing cache. Entries expire after ttl; a price
// movement of at least changeThresholdPercent on either token type is
// recorded as a Change.
func NewCache(clk clock.Clock, ttl time.Duration, changeThresholdPercent float64, opts ...CacheOption) *Cache {
	c := &Cache{
		clk:              clk,
		ttl:              ttl,
		changeThresholdP: changeThresholdPercent,
		entries:          make(map[string]Entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached entry for (provider, model), or false on miss or
// expiry.
func (c *Cache) Get(provider, model string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[cacheKey(provider, model)]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if c.ttl > 0 && c.clk.Now().Sub(e.CapturedAt) > c.ttl {
		return Entry{}, false
	}
	return e, true
}

// Set stores the entry and detects per-token-type changes against the prior
// value. Identical repeated writes detect nothing; captured_at never moves
// backwards for a key.
func (c *Cache) Set(provider, model string, e Entry) []Change {
	if e.CapturedAt.IsZero() {
		e.CapturedAt = c.clk.Now()
	}

	c.mu.Lock()
	k := cacheKey(provider, model)
	prev, had := c.entries[k]
	if had && e.CapturedAt.Before(prev.CapturedAt) {
		// Readers always observe a non-decreasing captured_at per key.
		c.mu.Unlock()
		return nil
	}
	c.entries[k] = e
	c.mu.Unlock()

	if !had {
		return nil
	}

	now := c.clk.Now()
	var detected []Change
	if ch, ok := c.detect(provider, model, TokenInput, prev.InputPer1K, e.InputPer1K, now); ok {
		detected = append(detected, ch)
	}
	if ch, ok := c.detect(provider, model, TokenOutput, prev.OutputPer1K, e.OutputPer1K, now); ok {
		detected = append(detected, ch)
	}
	if len(detected) == 0 {
		return nil
	}

	c.changeMu.Lock()
	for _, ch := range detected {
		if len(c.changes) >= changeRingCap {
			copy(c.changes, c.changes[1:])
			c.changes = c.changes[:len(c.changes)-1]
		}
		c.changes = append(c.changes, ch)
	}
	c.changeMu.Unlock()

	for _, ch := range detected {
		if c.changeCounter != nil {
			c.changeCounter.Inc()
		}
		if c.bus != nil {
			c.bus.Publish(events.Event{
				Type:     events.EventPricingChange,
				Model:    ch.Model,
				Provider: ch.Provider,
				Severity: string(ch.Severity),
				Payload:  ch,
			})
		}
	}
	return detected
}

func (c *Cache) detect(provider, model string, tt TokenType, prev, curr float64, now time.Time) (Change, bool) {
	if prev <= 0 {
		return Change{}, false
	}
	pct := (curr - prev) / prev * 100
	abs := pct
	if abs < 0 {
		abs = -abs
	}
	if abs < c.changeThresholdP {
		return Change{}, false
	}
	return Change{
		Provider:      provider,
		Model:         model,
		TokenType:     tt,
		PreviousPrice: prev,
		CurrentPrice:  curr,
		ChangePercent: pct,
		Severity:      severityFor(pct),
		DetectedAt:    now,
	}, true
}

// Stale returns the keys of entries older than threshold, for reporting.
func (c *Cache) Stale(threshold time.Duration) []string {
	now := c.clk.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for k, e := range c.entries {
		if now.Sub(e.CapturedAt) > threshold {
			out = append(out, k)
		}
	}
	return out
}

// Changes returns the retained changes detected at or after since, oldest
// first.
func (c *Cache) Changes(since time.Time) []Change {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	var out []Change
	for _, ch := range c.changes {
		if !ch.DetectedAt.Before(since) {
			out = append(out, ch)
		}
	}
	return out
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
