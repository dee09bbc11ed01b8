// Package budget enforces monthly spending limits per tenant and project:
// warning-level throttling, critical-level blocking, hourly rate limits, and
// the pre-request gate the selection engine consults.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atp-project/routecore/internal/alerts"
	"github.com/atp-project/routecore/internal/cache"
	"github.com/atp-project/routecore/internal/clock"
)

// Enforcement is the active budget action for one key.
type Enforcement string

const (
	EnforceNone     Enforcement = "none"
	EnforceThrottle Enforcement = "throttle"
	EnforceBlock    Enforcement = "block"
)

// Scope distinguishes tenant and project budgets.
type Scope string

const (
	ScopeTenant  Scope = "tenant"
	ScopeProject Scope = "project"
)

// enforcementTTL is how long a block/throttle cache entry lives.
const enforcementTTL = time.Hour

// State is the budget position of one tenant or project.
type State struct {
	MonthlyLimitUSD float64     `json:"monthly_limit_usd"`
	CurrentSpendUSD float64     `json:"current_spend_usd"`
	WindowStart     time.Time   `json:"window_start"`
	Enforcement     Enforcement `json:"enforcement"`
	ThrottleFactor  float64     `json:"throttle_factor,omitempty"`
}

// UsagePct returns spend as a percentage of the limit.
func (s State) UsagePct() float64 {
	if s.MonthlyLimitUSD <= 0 {
		return 0
	}
	return s.CurrentSpendUSD / s.MonthlyLimitUSD * 100
}

// Decision is the gate's answer for one request.
type Decision struct {
	Allowed        bool     `json:"allowed"`
	ThrottleFactor float64  `json:"throttle_factor"`
	Reasons        []string `json:"reasons,omitempty"`
}

// Config holds the enforcement thresholds.
type Config struct {
	WarningThresholdPct  float64 // throttle onset, default 80
	CriticalThresholdPct float64 // block onset, default 95
	HourlyRequestLimit   int     // per-tenant sliding-window cap, 0 = off
}

// DefaultConfig returns the standard enforcement thresholds.
func DefaultConfig() Config {
	return Config{WarningThresholdPct: 80, CriticalThresholdPct: 95, HourlyRequestLimit: 0}
}

type entry struct {
	mu    sync.Mutex
	state State
}

// Manager tracks budget state per key under fine-grained locks. Enforcement
// decisions are mirrored into the cache store so blocks survive restarts
// when a shared store is configured.
type Manager struct {
	cfg          Config
	clk          clock.Clock
	store        cache.Store
	alerter      *alerts.Emitter
	enforcements *prometheus.CounterVec // labeled by scope, action

	mu       sync.Mutex
	tenants  map[string]*entry
	projects map[string]*entry

	limiter *slidingLimiter
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore mirrors enforcement state into a shared cache store.
func WithStore(s cache.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithAlerter emits budget_warning / budget_critical alerts.
func WithAlerter(e *alerts.Emitter) Option {
	return func(m *Manager) { m.alerter = e }
}

// WithEnforcementCounter counts enforcement actions by scope and action.
func WithEnforcementCounter(vec *prometheus.CounterVec) Option {
	return func(m *Manager) { m.enforcements = vec }
}

// NewManager creates a budget manager.
func NewManager(cfg Config, clk clock.Clock, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		clk:      clk,
		tenants:  make(map[string]*entry),
		projects: make(map[string]*entry),
		limiter:  newSlidingLimiter(clk, time.Hour, cfg.HourlyRequestLimit),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetLimit configures the monthly limit for a key, creating its state.
func (m *Manager) SetLimit(scope Scope, id string, limitUSD float64) {
	e := m.entryFor(scope, id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.MonthlyLimitUSD = limitUSD
	if e.state.WindowStart.IsZero() {
		e.state.WindowStart = monthStart(m.clk.Now())
	}
}

func (m *Manager) entryFor(scope Scope, id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.tenants
	if scope == ScopeProject {
		bucket = m.projects
	}
	e, ok := bucket[id]
	if !ok {
		e = &entry{state: State{WindowStart: monthStart(m.clk.Now())}}
		bucket[id] = e
	}
	return e
}

func (m *Manager) lookup(scope Scope, id string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.tenants
	if scope == ScopeProject {
		bucket = m.projects
	}
	e, ok := bucket[id]
	return e, ok
}

// RecordCost adds a completed request's cost to the key's spend and applies
// the enforcement thresholds. Spend within a window never decreases.
func (m *Manager) RecordCost(ctx context.Context, scope Scope, id string, costUSD float64) error {
	if id == "" {
		return nil
	}
	if costUSD < 0 {
		return fmt.Errorf("negative cost %v for %s %s", costUSD, scope, id)
	}
	e := m.entryFor(scope, id)
	e.mu.Lock()
	defer e.mu.Unlock()

	m.rollLocked(ctx, scope, id, e)
	e.state.CurrentSpendUSD += costUSD
	if e.state.MonthlyLimitUSD <= 0 {
		return nil
	}

	usage := e.state.UsagePct()
	switch {
	case usage >= m.cfg.CriticalThresholdPct:
		e.state.Enforcement = EnforceBlock
		e.state.ThrottleFactor = 0
		m.setEnforcement(ctx, scope, id, "block")
		m.countEnforcement(scope, "block")
		m.alert("budget_critical", alerts.SeverityCritical, scope, id, usage)
	case usage >= m.cfg.WarningThresholdPct:
		f := throttleFactor(usage)
		e.state.Enforcement = EnforceThrottle
		e.state.ThrottleFactor = f
		m.setEnforcement(ctx, scope, id, "throttle:"+strconv.FormatFloat(f, 'f', -1, 64))
		m.countEnforcement(scope, "throttle")
		m.alert("budget_warning", alerts.SeverityHigh, scope, id, usage)
	default:
		e.state.Enforcement = EnforceNone
		e.state.ThrottleFactor = 0
	}
	return nil
}

// throttleFactor maps usage percent to the request throttle multiplier,
// floored at 0.1.
func throttleFactor(usagePct float64) float64 {
	f := (100 - usagePct) / 100
	if f < 0.1 {
		return 0.1
	}
	return f
}

// CheckRequest is the pre-request gate. A request is refused when the
// projected spend would cross the critical threshold, when a block is
// already in force, or when the tenant's hourly rate limit is exhausted.
func (m *Manager) CheckRequest(ctx context.Context, tenantID, projectID string, estimatedCostUSD float64) Decision {
	d := Decision{Allowed: true, ThrottleFactor: 1.0}

	if tenantID != "" && !m.limiter.allow(tenantID) {
		d.Allowed = false
		d.Reasons = append(d.Reasons, "tenant_rate_limited")
	}

	m.checkScope(ctx, ScopeTenant, tenantID, estimatedCostUSD, &d)
	m.checkScope(ctx, ScopeProject, projectID, estimatedCostUSD, &d)

	if !d.Allowed {
		d.ThrottleFactor = 0
	}
	return d
}

func (m *Manager) checkScope(ctx context.Context, scope Scope, id string, estCost float64, d *Decision) {
	if id == "" {
		return
	}
	e, ok := m.lookup(scope, id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m.rollLocked(ctx, scope, id, e)
	if e.state.MonthlyLimitUSD <= 0 {
		return
	}

	if e.state.Enforcement == EnforceBlock || m.blockedInStore(ctx, scope, id) {
		d.Allowed = false
		d.Reasons = append(d.Reasons, "budget_"+string(scope)+"_blocked")
		return
	}

	projected := e.state.CurrentSpendUSD + estCost
	if projected > e.state.MonthlyLimitUSD*m.cfg.CriticalThresholdPct/100 {
		d.Allowed = false
		d.Reasons = append(d.Reasons, "budget_"+string(scope)+"_would_exceed")
		return
	}

	if e.state.Enforcement == EnforceThrottle && e.state.ThrottleFactor > 0 && e.state.ThrottleFactor < d.ThrottleFactor {
		d.ThrottleFactor = e.state.ThrottleFactor
		d.Reasons = append(d.Reasons, "budget_"+string(scope)+"_throttled")
	}
}

// rollLocked resets the window when the month has moved on. Enforcement
// clears with the spend.
func (m *Manager) rollLocked(ctx context.Context, scope Scope, id string, e *entry) {
	start := monthStart(m.clk.Now())
	if e.state.WindowStart.Equal(start) {
		return
	}
	e.state.WindowStart = start
	e.state.CurrentSpendUSD = 0
	e.state.Enforcement = EnforceNone
	e.state.ThrottleFactor = 0
	m.clearEnforcement(ctx, scope, id)
}

// RollAll rolls every tracked key into the current month and clears all
// enforcement cache entries for keys whose window moved. Run from the
// monthly background task.
func (m *Manager) RollAll(ctx context.Context) {
	m.mu.Lock()
	keys := make([]struct {
		scope Scope
		id    string
		e     *entry
	}, 0, len(m.tenants)+len(m.projects))
	for id, e := range m.tenants {
		keys = append(keys, struct {
			scope Scope
			id    string
			e     *entry
		}{ScopeTenant, id, e})
	}
	for id, e := range m.projects {
		keys = append(keys, struct {
			scope Scope
			id    string
			e     *entry
		}{ScopeProject, id, e})
	}
	m.mu.Unlock()

	for _, k := range keys {
		k.e.mu.Lock()
		m.rollLocked(ctx, k.scope, k.id, k.e)
		k.e.mu.Unlock()
	}
	m.limiter.gc()
}

// StatusReport is the reporting view of one budget key.
type StatusReport struct {
	Scope        Scope   `json:"scope"`
	ID           string  `json:"id"`
	BudgetUSD    float64 `json:"budget_usd"`
	SpendUSD     float64 `json:"spend_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
	UsagePct     float64 `json:"usage_pct"`
	Status       string  `json:"status"`
}

// Status returns the reporting view for every tracked key.
func (m *Manager) Status() []StatusReport {
	m.mu.Lock()
	type pair struct {
		scope Scope
		id    string
		e     *entry
	}
	var all []pair
	for id, e := range m.tenants {
		all = append(all, pair{ScopeTenant, id, e})
	}
	for id, e := range m.projects {
		all = append(all, pair{ScopeProject, id, e})
	}
	m.mu.Unlock()

	out := make([]StatusReport, 0, len(all))
	for _, p := range all {
		p.e.mu.Lock()
		s := p.e.state
		p.e.mu.Unlock()
		r := StatusReport{
			Scope:        p.scope,
			ID:           p.id,
			BudgetUSD:    s.MonthlyLimitUSD,
			SpendUSD:     s.CurrentSpendUSD,
			RemainingUSD: s.MonthlyLimitUSD - s.CurrentSpendUSD,
			UsagePct:     s.UsagePct(),
		}
		switch s.Enforcement {
		case EnforceBlock:
			r.Status = "blocked"
		case EnforceThrottle:
			r.Status = "throttled"
		default:
			r.Status = "ok"
		}
		out = append(out, r)
	}
	return out
}

// GetState returns a copy of the state for one key.
func (m *Manager) GetState(scope Scope, id string) (State, bool) {
	e, ok := m.lookup(scope, id)
	if !ok {
		return State{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

func enforcementKey(scope Scope, id string) string {
	return "enforce::" + string(scope) + "::" + id
}

func (m *Manager) setEnforcement(ctx context.Context, scope Scope, id, value string) {
	if m.store == nil {
		return
	}
	if err := m.store.Set(ctx, enforcementKey(scope, id), value, enforcementTTL); err != nil {
		slog.Warn("enforcement cache write failed",
			slog.String("key", enforcementKey(scope, id)),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) clearEnforcement(ctx context.Context, scope Scope, id string) {
	if m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, enforcementKey(scope, id)); err != nil {
		slog.Warn("enforcement cache delete failed",
			slog.String("key", enforcementKey(scope, id)),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) blockedInStore(ctx context.Context, scope Scope, id string) bool {
	if m.store == nil {
		return false
	}
	v, ok, err := m.store.Get(ctx, enforcementKey(scope, id))
	if err != nil {
		// Cache degradation is pass-through, never a block.
		return false
	}
	return ok && strings.HasPrefix(v, "block")
}

func (m *Manager) countEnforcement(scope Scope, action string) {
	if m.enforcements != nil {
		m.enforcements.WithLabelValues(string(scope), action).Inc()
	}
}

func (m *Manager) alert(kind string, sev alerts.Severity, scope Scope, id string, usagePct float64) {
	if m.alerter == nil {
		return
	}
	m.alerter.Emit(alerts.Alert{
		Kind:        kind,
		Severity:    sev,
		CooldownKey: kind + "::" + string(scope) + "::" + id,
		Labels:      map[string]string{"scope": string(scope), "id": id},
		Payload:     map[string]any{"usage_pct": usagePct},
	})
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
