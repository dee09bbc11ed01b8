package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/atp-project/routecore/internal/clock"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero = never
}

// Memory is an in-memory Store with TTL semantics matching the Redis backend.
type Memory struct {
	clk clock.Clock

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemory creates an in-memory cache store.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clk:     clk,
		entries: make(map[string]memoryEntry),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && m.clk.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.clk.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error { return nil }

// Len returns the number of live entries (expired entries may be counted
// until their next Get).
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
