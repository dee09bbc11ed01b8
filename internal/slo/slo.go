// Package slo tracks rolling-window service-level objectives over request
// outcomes and drives violation alerts.
package slo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atp-project/routecore/internal/alerts"
	"github.com/atp-project/routecore/internal/clock"
)

// Status is the health of one SLO.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Target defines one SLO.
type Target struct {
	Name              string        `json:"name"`
	TargetPct         float64       `json:"target_pct"`
	MeasurementWindow time.Duration `json:"measurement_window"`
	ErrorBudgetWindow time.Duration `json:"error_budget_window"`
	AlertThresholdPct float64       `json:"alert_threshold_pct"`
}

// State is the computed position of one SLO.
type State struct {
	CurrentPct          float64   `json:"current_pct"`
	ErrorBudgetConsumed float64   `json:"error_budget_consumed"`
	Status              Status    `json:"status"`
	LastUpdated         time.Time `json:"last_updated"`
	ViolationsCount     int       `json:"violations_count"`
}

// Outcome is one completed request as the SLO tracker sees it. The
// orchestrator derives the booleans; the tracker only counts them.
type Outcome struct {
	At            time.Time
	Available     bool // served without an infrastructure failure
	Success       bool // completed without a provider error
	WithinLatency bool // met the request's latency SLO
	CostEfficient bool // regret within the efficiency margin
}

// predicate extracts the pass/fail signal for one target.
type predicate func(Outcome) bool

var predicates = map[string]predicate{
	"availability":    func(o Outcome) bool { return o.Available },
	"latency_p95":     func(o Outcome) bool { return o.WithinLatency },
	"error_rate":      func(o Outcome) bool { return o.Success },
	"cost_efficiency": func(o Outcome) bool { return o.CostEfficient },
}

// DefaultTargets returns the four built-in SLOs.
func DefaultTargets() []Target {
	return []Target{
		{Name: "availability", TargetPct: 99.0, MeasurementWindow: time.Hour, ErrorBudgetWindow: 24 * time.Hour, AlertThresholdPct: 97.0},
		{Name: "latency_p95", TargetPct: 95.0, MeasurementWindow: time.Hour, ErrorBudgetWindow: 24 * time.Hour, AlertThresholdPct: 90.0},
		{Name: "error_rate", TargetPct: 99.0, MeasurementWindow: time.Hour, ErrorBudgetWindow: 24 * time.Hour, AlertThresholdPct: 97.0},
		{Name: "cost_efficiency", TargetPct: 90.0, MeasurementWindow: 24 * time.Hour, ErrorBudgetWindow: 7 * 24 * time.Hour, AlertThresholdPct: 80.0},
	}
}

// recomputePeriod is the background recomputation cadence.
const recomputePeriod = 60 * time.Second

// outcomeCap bounds retained outcomes.
const outcomeCap = 10000

// Tracker computes SLO states over a rolling outcome window.
type Tracker struct {
	clk     clock.Clock
	alerter *alerts.Emitter
	targets []Target

	mu       sync.Mutex
	outcomes []Outcome
	states   map[string]*State
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAlerter emits slo_violation alerts on transition to critical.
func WithAlerter(e *alerts.Emitter) Option {
	return func(t *Tracker) { t.alerter = e }
}

// NewTracker creates a tracker over the given targets (DefaultTargets when
// empty).
func NewTracker(clk clock.Clock, targets []Target, opts ...Option) *Tracker {
	if len(targets) == 0 {
		targets = DefaultTargets()
	}
	t := &Tracker{
		clk:     clk,
		targets: targets,
		states:  make(map[string]*State),
	}
	for _, tgt := range targets {
		t.states[tgt.Name] = &State{CurrentPct: 100, Status: StatusHealthy}
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Record adds one outcome.
func (t *Tracker) Record(o Outcome) {
	if o.At.IsZero() {
		o.At = t.clk.Now()
	}
	t.mu.Lock()
	if len(t.outcomes) >= outcomeCap {
		copy(t.outcomes, t.outcomes[1:])
		t.outcomes = t.outcomes[:len(t.outcomes)-1]
	}
	t.outcomes = append(t.outcomes, o)
	t.mu.Unlock()
}

// Run recomputes every target each minute until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(recomputePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Recompute()
		}
	}
}

// Recompute refreshes every target's state from the retained outcomes.
func (t *Tracker) Recompute() {
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(now)

	for _, tgt := range t.targets {
		pred, ok := predicates[tgt.Name]
		if !ok {
			slog.Warn("slo target has no predicate", slog.String("target", tgt.Name))
			continue
		}
		st := t.states[tgt.Name]

		cutoff := now.Add(-tgt.MeasurementWindow)
		total, passing := 0, 0
		for _, o := range t.outcomes {
			if o.At.Before(cutoff) {
				continue
			}
			total++
			if pred(o) {
				passing++
			}
		}

		prev := st.Status
		if total == 0 {
			st.CurrentPct = 100
			st.ErrorBudgetConsumed = 0
			st.Status = StatusHealthy
		} else {
			st.CurrentPct = float64(passing) / float64(total) * 100
			allowed := (100 - tgt.TargetPct) / 100 * float64(total)
			failed := float64(total - passing)
			if allowed > 0 {
				st.ErrorBudgetConsumed = failed / allowed
			} else if failed > 0 {
				st.ErrorBudgetConsumed = 1
			} else {
				st.ErrorBudgetConsumed = 0
			}
			switch {
			case st.CurrentPct >= tgt.TargetPct:
				st.Status = StatusHealthy
			case st.CurrentPct >= tgt.AlertThresholdPct:
				st.Status = StatusWarning
			default:
				st.Status = StatusCritical
			}
		}
		st.LastUpdated = now

		if st.Status == StatusCritical && prev != StatusCritical {
			st.ViolationsCount++
			t.violationAlert(tgt, *st)
		}
	}
}

// pruneLocked drops outcomes older than the longest error-budget window.
func (t *Tracker) pruneLocked(now time.Time) {
	var longest time.Duration
	for _, tgt := range t.targets {
		if tgt.ErrorBudgetWindow > longest {
			longest = tgt.ErrorBudgetWindow
		}
	}
	cutoff := now.Add(-longest)
	i := 0
	for ; i < len(t.outcomes); i++ {
		if !t.outcomes[i].At.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		t.outcomes = append(t.outcomes[:0], t.outcomes[i:]...)
	}
}

func (t *Tracker) violationAlert(tgt Target, st State) {
	if t.alerter == nil {
		return
	}
	t.alerter.Emit(alerts.Alert{
		Kind:        "slo_violation",
		Severity:    alerts.SeverityCritical,
		CooldownKey: "slo_violation::" + tgt.Name,
		Labels:      map[string]string{"slo": tgt.Name},
		Payload: map[string]any{
			"current_pct":           st.CurrentPct,
			"target_pct":            tgt.TargetPct,
			"error_budget_consumed": st.ErrorBudgetConsumed,
		},
	})
}

// States returns a copy of every target's state keyed by name.
func (t *Tracker) States() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State, len(t.states))
	for name, st := range t.states {
		out[name] = *st
	}
	return out
}
