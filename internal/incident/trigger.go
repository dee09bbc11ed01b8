// Package incident maps alert conditions to remediation intents: named
// actions with opaque config that a collaborator executes. The trigger
// rate-limits executions, queues approval-gated intents, and keeps the
// execution history the completion notifications update.
package incident

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atp-project/routecore/internal/clock"
	"github.com/atp-project/routecore/internal/events"
)

// Condition is an operational condition that can trigger remediation.
type Condition string

const (
	CondHighErrorRate         Condition = "high_error_rate"
	CondServiceUnavailable    Condition = "service_unavailable"
	CondCacheErrors           Condition = "cache_errors"
	CondExternalServiceErrors Condition = "external_service_errors"
	CondDeploymentErrors      Condition = "deployment_errors"
	CondBudgetExceeded        Condition = "budget_exceeded"
	CondSecurityViolation     Condition = "security_violation"
	CondSLOViolation          Condition = "slo_violation"
)

// ActionKind names a remediation action type.
type ActionKind string

const (
	ActionRestartService     ActionKind = "restart_service"
	ActionScaleService       ActionKind = "scale_service"
	ActionClearCache         ActionKind = "clear_cache"
	ActionCircuitBreaker     ActionKind = "circuit_breaker"
	ActionRollbackDeployment ActionKind = "rollback_deployment"
	ActionTrafficRedirect    ActionKind = "traffic_redirect"
)

// Rule binds trigger conditions to one remediation action.
type Rule struct {
	ID               string            `json:"id"`
	Kind             ActionKind        `json:"kind"`
	Conditions       []Condition       `json:"conditions"`
	Config           map[string]string `json:"config,omitempty"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	MaxRetries       int               `json:"max_retries"`
	Enabled          bool              `json:"enabled"`
	RequiresApproval bool              `json:"requires_approval"`
}

// DefaultRules returns the built-in remediation rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:   "restart_router_service",
			Kind: ActionRestartService,
			Conditions: []Condition{
				CondHighErrorRate, CondServiceUnavailable,
			},
			Config:         map[string]string{"service_name": "atp-router", "wait_for_ready": "true"},
			TimeoutSeconds: 120,
			MaxRetries:     3,
			Enabled:        true,
		},
		{
			ID:   "scale_up_router",
			Kind: ActionScaleService,
			Conditions: []Condition{
				CondSLOViolation, Condition("slo_violation_latency_p95"),
			},
			Config:         map[string]string{"service_name": "atp-router", "target_replicas": "5", "max_replicas": "10"},
			TimeoutSeconds: 300,
			MaxRetries:     3,
			Enabled:        true,
		},
		{
			ID:             "clear_redis_cache",
			Kind:           ActionClearCache,
			Conditions:     []Condition{CondCacheErrors},
			Config:         map[string]string{"cache_type": "redis", "pattern": "atp:*"},
			TimeoutSeconds: 60,
			MaxRetries:     3,
			Enabled:        true,
		},
		{
			ID:             "enable_circuit_breaker",
			Kind:           ActionCircuitBreaker,
			Conditions:     []Condition{CondExternalServiceErrors},
			Config:         map[string]string{"failure_threshold": "5", "timeout_seconds": "60"},
			TimeoutSeconds: 30,
			MaxRetries:     3,
			Enabled:        true,
		},
		{
			ID:               "rollback_deployment",
			Kind:             ActionRollbackDeployment,
			Conditions:       []Condition{CondDeploymentErrors},
			Config:           map[string]string{"service_name": "atp-router", "rollback_to": "previous"},
			TimeoutSeconds:   600,
			MaxRetries:       1,
			Enabled:          true,
			RequiresApproval: true,
		},
		{
			ID:               "redirect_traffic",
			Kind:             ActionTrafficRedirect,
			Conditions:       []Condition{CondBudgetExceeded, CondSecurityViolation},
			Config:           map[string]string{"target": "degraded-pool"},
			TimeoutSeconds:   60,
			MaxRetries:       1,
			Enabled:          true,
			RequiresApproval: true,
		},
	}
}

// Intent is one remediation the trigger wants executed.
type Intent struct {
	ID               string            `json:"id"`
	RuleID           string            `json:"rule_id"`
	Kind             ActionKind        `json:"kind"`
	Condition        Condition         `json:"condition"`
	Config           map[string]string `json:"config,omitempty"`
	RequiresApproval bool              `json:"requires_approval"`
	CreatedAt        time.Time         `json:"created_at"`
}

// ExecutionStatus tracks an intent through its lifecycle.
type ExecutionStatus string

const (
	ExecPending ExecutionStatus = "pending"
	ExecRunning ExecutionStatus = "running"
	ExecSuccess ExecutionStatus = "success"
	ExecFailed  ExecutionStatus = "failed"
	ExecSkipped ExecutionStatus = "skipped"
)

// Execution is one entry in the remediation history.
type Execution struct {
	IntentID    string          `json:"intent_id"`
	RuleID      string          `json:"rule_id"`
	Kind        ActionKind      `json:"kind"`
	Status      ExecutionStatus `json:"status"`
	Detail      string          `json:"detail,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Dispatcher executes intents. Execution side effects are external.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent Intent) error
}

// executionCap bounds the retained history.
const executionCap = 500

// defaultMaxPerHour is the per-rule execution rate limit.
const defaultMaxPerHour = 10

// Trigger turns conditions into dispatched intents.
type Trigger struct {
	clk        clock.Clock
	dispatcher Dispatcher
	rules      []Rule
	maxPerHour int

	mu         sync.Mutex
	executions []Execution
	recent     map[string][]time.Time // rule id -> execution times
	approvals  map[string]Intent      // intent id -> queued intent
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithMaxExecutionsPerHour overrides the per-rule rate limit.
func WithMaxExecutionsPerHour(n int) Option {
	return func(t *Trigger) { t.maxPerHour = n }
}

// NewTrigger creates a trigger over rules (DefaultRules when empty).
func NewTrigger(clk clock.Clock, dispatcher Dispatcher, rules []Rule, opts ...Option) *Trigger {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	t := &Trigger{
		clk:        clk,
		dispatcher: dispatcher,
		rules:      rules,
		maxPerHour: defaultMaxPerHour,
		recent:     make(map[string][]time.Time),
		approvals:  make(map[string]Intent),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// HandleCondition fires every enabled rule matching cond and returns the
// intents raised. Rate-limited rules record a skipped execution instead.
func (t *Trigger) HandleCondition(ctx context.Context, cond Condition) []Intent {
	var raised []Intent
	for _, rule := range t.rules {
		if !rule.Enabled || !ruleMatches(rule, cond) {
			continue
		}
		intent := Intent{
			ID:               uuid.NewString(),
			RuleID:           rule.ID,
			Kind:             rule.Kind,
			Condition:        cond,
			Config:           rule.Config,
			RequiresApproval: rule.RequiresApproval,
			CreatedAt:        t.clk.Now(),
		}

		if !t.underRateLimit(rule.ID) {
			t.record(Execution{
				IntentID:  intent.ID,
				RuleID:    rule.ID,
				Kind:      rule.Kind,
				Status:    ExecSkipped,
				Detail:    "rate limited",
				StartedAt: t.clk.Now(),
			})
			continue
		}

		if rule.RequiresApproval {
			t.mu.Lock()
			t.approvals[intent.ID] = intent
			t.mu.Unlock()
			t.record(Execution{
				IntentID:  intent.ID,
				RuleID:    rule.ID,
				Kind:      rule.Kind,
				Status:    ExecPending,
				Detail:    "awaiting approval",
				StartedAt: t.clk.Now(),
			})
			raised = append(raised, intent)
			continue
		}

		t.dispatch(ctx, intent)
		raised = append(raised, intent)
	}
	return raised
}

func ruleMatches(rule Rule, cond Condition) bool {
	for _, c := range rule.Conditions {
		if c == cond {
			return true
		}
	}
	return false
}

// underRateLimit reserves one execution slot for rule when available.
func (t *Trigger) underRateLimit(ruleID string) bool {
	now := t.clk.Now()
	cutoff := now.Add(-time.Hour)

	t.mu.Lock()
	defer t.mu.Unlock()

	window := t.recent[ruleID]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= t.maxPerHour {
		t.recent[ruleID] = kept
		return false
	}
	t.recent[ruleID] = append(kept, now)
	return true
}

func (t *Trigger) dispatch(ctx context.Context, intent Intent) {
	exec := Execution{
		IntentID:  intent.ID,
		RuleID:    intent.RuleID,
		Kind:      intent.Kind,
		Status:    ExecRunning,
		StartedAt: t.clk.Now(),
	}
	if err := t.dispatcher.Dispatch(ctx, intent); err != nil {
		exec.Status = ExecFailed
		exec.Detail = err.Error()
		exec.CompletedAt = t.clk.Now()
		slog.Error("remediation dispatch failed",
			slog.String("rule", intent.RuleID),
			slog.String("error", err.Error()),
		)
	}
	t.record(exec)
}

// Approve dispatches a queued approval-gated intent.
func (t *Trigger) Approve(ctx context.Context, intentID string) bool {
	t.mu.Lock()
	intent, ok := t.approvals[intentID]
	if ok {
		delete(t.approvals, intentID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.dispatch(ctx, intent)
	return true
}

// PendingApprovals returns the queued intents.
func (t *Trigger) PendingApprovals() []Intent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Intent, 0, len(t.approvals))
	for _, i := range t.approvals {
		out = append(out, i)
	}
	return out
}

// CompleteExecution records the collaborator's completion notification for
// an intent, closing its most recent open execution.
func (t *Trigger) CompleteExecution(intentID string, success bool, detail string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.executions) - 1; i >= 0; i-- {
		e := &t.executions[i]
		if e.IntentID != intentID {
			continue
		}
		if e.Status != ExecRunning && e.Status != ExecPending {
			return false
		}
		if success {
			e.Status = ExecSuccess
		} else {
			e.Status = ExecFailed
		}
		e.Detail = detail
		e.CompletedAt = t.clk.Now()
		return true
	}
	return false
}

// Executions returns a copy of the retained history, oldest first.
func (t *Trigger) Executions() []Execution {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Execution(nil), t.executions...)
}

func (t *Trigger) record(e Execution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.executions) >= executionCap {
		copy(t.executions, t.executions[1:])
		t.executions = t.executions[:len(t.executions)-1]
	}
	t.executions = append(t.executions, e)
}

// Run consumes bus events and maps them onto conditions until ctx is
// cancelled.
func (t *Trigger) Run(ctx context.Context, bus *events.Bus) error {
	sub := bus.Subscribe(128)
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.C:
			for _, cond := range conditionsFor(ev) {
				t.HandleCondition(ctx, cond)
			}
		}
	}
}

// conditionsFor maps a bus event onto trigger conditions. SLO violations
// fire both the generic condition and a per-target one so rules can bind to
// a specific objective.
func conditionsFor(ev events.Event) []Condition {
	switch ev.Type {
	case events.EventSLOViolation:
		conds := []Condition{CondSLOViolation}
		if slo := ev.Labels["slo"]; slo != "" {
			conds = append(conds, Condition("slo_violation_"+slo))
		}
		return conds
	case events.EventBudgetCritical:
		return []Condition{CondBudgetExceeded}
	default:
		// Externally published events may name a condition directly.
		if ev.Kind != "" {
			switch Condition(ev.Kind) {
			case CondHighErrorRate, CondServiceUnavailable, CondCacheErrors,
				CondExternalServiceErrors, CondDeploymentErrors, CondSecurityViolation:
				return []Condition{Condition(ev.Kind)}
			}
		}
		return nil
	}
}
