package pricing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atp-project/routecore/internal/clock"
)

// ErrNoPricing is returned by Lookup when no usable price exists for a model
// and static fallback is disabled.
var ErrNoPricing = errors.New("no pricing available")

// ManagerConfig controls refresh cadence and staleness tolerance.
type ManagerConfig struct {
	UpdateInterval     time.Duration // refresh loop period
	StalenessTolerance time.Duration // max age before an entry is unusable
	FallbackToStatic   bool          // use catalog static prices on miss/stale
	RetryAttempts      int
	RetryDelay         time.Duration
}

// Manager runs the refresh loop over all configured sources and answers cost
// estimates for the selection engine.
type Manager struct {
	cfg     ManagerConfig
	clk     clock.Clock
	cache   *Cache
	sources []Source

	fetchErrors *prometheus.CounterVec // labeled by provider
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFetchErrorCounter counts failed provider refreshes, labeled by provider.
func WithFetchErrorCounter(vec *prometheus.CounterVec) ManagerOption {
	return func(m *Manager) { m.fetchErrors = vec }
}

// NewManager creates a pricing manager over the given sources.
func NewManager(cfg ManagerConfig, clk clock.Clock, cache *Cache, sources []Source, opts ...ManagerOption) *Manager {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryPolicy().attempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryPolicy().delay
	}
	m := &Manager{cfg: cfg, clk: clk, cache: cache, sources: sources}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Cache exposes the underlying pricing cache for reporting endpoints.
func (m *Manager) Cache() *Cache { return m.cache }

// StalenessTolerance reports the configured maximum entry age.
func (m *Manager) StalenessTolerance() time.Duration { return m.cfg.StalenessTolerance }

// Run refreshes pricing on the configured interval until ctx is cancelled.
// An immediate refresh runs before the first tick so startup does not wait a
// full interval.
func (m *Manager) Run(ctx context.Context) error {
	m.RefreshAll(ctx)
	ticker := time.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.RefreshAll(ctx)
		}
	}
}

// RefreshAll fetches every source once. A failing provider is logged and
// counted; the rest still refresh.
func (m *Manager) RefreshAll(ctx context.Context) {
	policy := retryPolicy{
		attempts: m.cfg.RetryAttempts,
		delay:    m.cfg.RetryDelay,
		maxDelay: 30 * time.Second,
	}
	for _, src := range m.sources {
		entries, err := fetchWithRetry(ctx, src, policy)
		if err != nil {
			if m.fetchErrors != nil {
				m.fetchErrors.WithLabelValues(src.ProviderName()).Inc()
			}
			slog.Error("pricing refresh failed",
				slog.String("provider", src.ProviderName()),
				slog.String("error", err.Error()),
			)
			continue
		}
		for model, e := range entries {
			m.cache.Set(src.ProviderName(), model, e)
		}
		slog.Debug("pricing refreshed",
			slog.String("provider", src.ProviderName()),
			slog.Int("models", len(entries)),
		)
	}
}

// Lookup returns a usable pricing entry for (provider, model). Misses and
// entries beyond the staleness tolerance fall back to the supplied static
// per-1k price when fallback is enabled; otherwise ErrNoPricing.
func (m *Manager) Lookup(provider, model string, staticPer1K float64) (Entry, error) {
	if e, ok := m.cache.Get(provider, model); ok {
		if !e.Stale(m.clk.Now(), m.cfg.StalenessTolerance) {
			return e, nil
		}
	}
	if m.cfg.FallbackToStatic && staticPer1K > 0 {
		return Entry{
			InputPer1K:    staticPer1K,
			OutputPer1K:   staticPer1K,
			CapturedAt:    m.clk.Now(),
			SourceVersion: "static",
		}, nil
	}
	return Entry{}, ErrNoPricing
}

// EstimateCost projects the USD cost of estimatedTokens against the entry,
// splitting tokens 70% input / 30% output.
func EstimateCost(e Entry, estimatedTokens int) float64 {
	in := float64(estimatedTokens) * 0.7
	out := float64(estimatedTokens) * 0.3
	return in/1000*e.InputPer1K + out/1000*e.OutputPer1K
}
