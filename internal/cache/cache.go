// Package cache provides the key-value cache capability used by the budget
// manager for enforcement state. A Redis backend is used when configured;
// otherwise an in-memory store with the same semantics is used, so the core
// degrades to pass-through rather than failing.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("cache unavailable")

// Store is the minimal cache capability the core depends on.
type Store interface {
	// Get returns the value for key. The bool reports whether the key exists
	// and has not expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key with the given TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes a single key.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key with the given prefix and returns the
	// number of keys removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Close releases backend resources.
	Close() error
}
