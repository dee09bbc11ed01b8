// Package costs maintains multi-dimensional cost and token accounting over
// the append-only cost record stream.
package costs

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atp-project/routecore/internal/alerts"
)

// QoS is the billing service class. Distinct from the request's quality tier.
type QoS string

const (
	QoSGold   QoS = "gold"
	QoSSilver QoS = "silver"
	QoSBronze QoS = "bronze"
)

// Valid reports whether q is a known service class.
func (q QoS) Valid() bool {
	switch q {
	case QoSGold, QoSSilver, QoSBronze:
		return true
	}
	return false
}

// Record is one completed request's cost accounting entry.
type Record struct {
	DecisionID   string    `json:"decision_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	TenantID     string    `json:"tenant_id,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`
	QoS          QoS       `json:"qos"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Totals are the accumulated sums for one dimension key. Per-key sums are
// monotonic non-decreasing.
type Totals struct {
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Requests     int64   `json:"requests"`
}

func (t *Totals) add(r Record) {
	t.CostUSD += r.CostUSD
	t.InputTokens += int64(r.InputTokens)
	t.OutputTokens += int64(r.OutputTokens)
	t.Requests++
}

// Snapshot is a consistent copy of all dimension sums.
type Snapshot struct {
	ByQoS      map[string]Totals `json:"by_qos"`
	ByProvider map[string]Totals `json:"by_provider"`
	ByModel    map[string]Totals `json:"by_model"`
	ByTenant   map[string]Totals `json:"by_tenant"`
	ByProject  map[string]Totals `json:"by_project"`
	TakenAt    time.Time         `json:"taken_at"`
}

// Aggregator accumulates cost records along every billing dimension and
// validates supplied costs against live-pricing projections.
type Aggregator struct {
	validationTolerancePct float64

	validationErrors prometheus.Counter
	alerter          *alerts.Emitter

	mu         sync.RWMutex
	byQoS      map[string]*Totals
	byProvider map[string]*Totals
	byModel    map[string]*Totals
	byTenant   map[string]*Totals
	byProject  map[string]*Totals
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithValidationCounter counts pricing validation failures.
func WithValidationCounter(c prometheus.Counter) Option {
	return func(a *Aggregator) { a.validationErrors = c }
}

// WithAlerter emits pricing_validation alerts on tolerance breaches.
func WithAlerter(e *alerts.Emitter) Option {
	return func(a *Aggregator) { a.alerter = e }
}

// NewAggregator creates an aggregator. validationTolerancePct is the allowed
// relative gap between an actual cost and its live-pricing projection.
func NewAggregator(validationTolerancePct float64, opts ...Option) *Aggregator {
	a := &Aggregator{
		validationTolerancePct: validationTolerancePct,
		byQoS:                  make(map[string]*Totals),
		byProvider:             make(map[string]*Totals),
		byModel:                make(map[string]*Totals),
		byTenant:               make(map[string]*Totals),
		byProject:              make(map[string]*Totals),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Record accumulates one cost record into every dimension it names.
// Negative costs are an internal invariant violation and are rejected.
func (a *Aggregator) Record(r Record) error {
	if r.CostUSD < 0 {
		return fmt.Errorf("negative cost %v on decision %s", r.CostUSD, r.DecisionID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	bump(a.byQoS, string(r.QoS), r)
	bump(a.byProvider, r.Provider, r)
	bump(a.byModel, r.Model, r)
	if r.TenantID != "" {
		bump(a.byTenant, r.TenantID, r)
	}
	if r.ProjectID != "" {
		bump(a.byProject, r.ProjectID, r)
	}
	return nil
}

func bump(m map[string]*Totals, key string, r Record) {
	if key == "" {
		return
	}
	t, ok := m[key]
	if !ok {
		t = &Totals{}
		m[key] = t
	}
	t.add(r)
}

// ValidatePricing compares an actual cost to its live-pricing projection.
// A relative gap beyond the tolerance counts a validation error and emits a
// pricing_validation alert. Returns true when the cost is within tolerance.
func (a *Aggregator) ValidatePricing(r Record, expectedUSD float64) bool {
	if expectedUSD <= 0 {
		return true
	}
	gap := (r.CostUSD - expectedUSD) / expectedUSD * 100
	if gap < 0 {
		gap = -gap
	}
	if gap <= a.validationTolerancePct {
		return true
	}
	if a.validationErrors != nil {
		a.validationErrors.Inc()
	}
	if a.alerter != nil {
		a.alerter.Emit(alerts.Alert{
			Kind:        "pricing_validation",
			Severity:    alerts.SeverityMedium,
			CooldownKey: "pricing_validation::" + r.Provider + "::" + r.Model,
			Labels: map[string]string{
				"provider": r.Provider,
				"model":    r.Model,
			},
			Payload: map[string]any{
				"decision_id":  r.DecisionID,
				"actual_usd":   r.CostUSD,
				"expected_usd": expectedUSD,
				"gap_percent":  gap,
			},
		})
	}
	return false
}

// Snapshot returns a consistent copy of every dimension's sums.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		ByQoS:      copyTotals(a.byQoS),
		ByProvider: copyTotals(a.byProvider),
		ByModel:    copyTotals(a.byModel),
		ByTenant:   copyTotals(a.byTenant),
		ByProject:  copyTotals(a.byProject),
		TakenAt:    time.Now().UTC(),
	}
}

// TenantTotals returns the accumulated totals for one tenant.
func (a *Aggregator) TenantTotals(tenantID string) Totals {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if t, ok := a.byTenant[tenantID]; ok {
		return *t
	}
	return Totals{}
}

func copyTotals(m map[string]*Totals) map[string]Totals {
	out := make(map[string]Totals, len(m))
	for k, v := range m {
		out[k] = *v
	}
	return out
}
