// Package alerts emits structured alert events on the core event bus.
// Delivery (webhook, email, chat) is a collaborator concern; the core only
// guarantees structure, severity, and cooldown semantics.
package alerts

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atp-project/routecore/internal/clock"
	"github.com/atp-project/routecore/internal/events"
)

// Severity is the alert severity level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is a structured alert event. It is emitted, never delivered.
type Alert struct {
	Kind        string            `json:"kind"`
	Severity    Severity          `json:"severity"`
	Labels      map[string]string `json:"labels,omitempty"`
	Payload     any               `json:"payload,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CooldownKey string            `json:"cooldown_key"`
}

// DefaultCooldown is the minimum interval between two alerts sharing a
// cooldown key.
const DefaultCooldown = 5 * time.Minute

// Emitter publishes alerts with per-key cooldown suppression.
type Emitter struct {
	bus      *events.Bus
	clk      clock.Clock
	cooldown time.Duration

	emitted    prometheus.Counter
	suppressed prometheus.Counter

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithCooldown overrides the default 5-minute cooldown window.
func WithCooldown(d time.Duration) Option {
	return func(e *Emitter) { e.cooldown = d }
}

// WithCounters attaches Prometheus counters for emitted and suppressed alerts.
func WithCounters(emitted, suppressed prometheus.Counter) Option {
	return func(e *Emitter) {
		e.emitted = emitted
		e.suppressed = suppressed
	}
}

// NewEmitter creates an alert emitter publishing onto bus.
func NewEmitter(bus *events.Bus, clk clock.Clock, opts ...Option) *Emitter {
	e := &Emitter{
		bus:      bus,
		clk:      clk,
		cooldown: DefaultCooldown,
		lastSent: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Emit publishes the alert unless an alert with the same cooldown key was
// emitted within the cooldown window. Returns true when the alert was
// published.
func (e *Emitter) Emit(a Alert) bool {
	now := e.clk.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.CooldownKey == "" {
		a.CooldownKey = a.Kind
	}

	e.mu.Lock()
	if last, ok := e.lastSent[a.CooldownKey]; ok && now.Sub(last) < e.cooldown {
		e.mu.Unlock()
		if e.suppressed != nil {
			e.suppressed.Inc()
		}
		return false
	}
	e.lastSent[a.CooldownKey] = now
	e.mu.Unlock()

	e.bus.Publish(events.Event{
		Type:        eventTypeFor(a.Kind),
		Timestamp:   a.CreatedAt,
		Kind:        a.Kind,
		Severity:    string(a.Severity),
		CooldownKey: a.CooldownKey,
		Labels:      a.Labels,
		Payload:     a.Payload,
	})
	if e.emitted != nil {
		e.emitted.Inc()
	}
	slog.Warn("alert emitted",
		slog.String("kind", a.Kind),
		slog.String("severity", string(a.Severity)),
		slog.String("cooldown_key", a.CooldownKey),
	)
	return true
}

// GC drops cooldown entries older than twice the cooldown window. Run
// periodically from a background task.
func (e *Emitter) GC() int {
	cutoff := e.clk.Now().Add(-2 * e.cooldown)
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for k, t := range e.lastSent {
		if t.Before(cutoff) {
			delete(e.lastSent, k)
			removed++
		}
	}
	return removed
}

func eventTypeFor(kind string) events.EventType {
	switch kind {
	case "pricing_change":
		return events.EventPricingChange
	case "pricing_validation":
		return events.EventPricingValidation
	case "budget_warning":
		return events.EventBudgetWarning
	case "budget_critical":
		return events.EventBudgetCritical
	case "slo_violation":
		return events.EventSLOViolation
	case "cost_record_dropped":
		return events.EventCostRecordDropped
	case "anomaly", "cost_outlier", "cost_per_token_outlier", "usage_outlier", "temporal_outlier":
		return events.EventAnomaly
	default:
		return events.EventType(kind)
	}
}
