// Package metrics holds the Prometheus registry and every instrument the
// routing core records.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/atp-project/routecore/internal/regret"
)

type Registry struct {
	reg *prometheus.Registry

	// HTTP surface
	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	RateLimited    prometheus.Counter

	// Selection
	SelectionsTotal   *prometheus.CounterVec
	ExplorationsTotal prometheus.Counter
	SwallowedErrors   *prometheus.CounterVec
	RegretPct         prometheus.Histogram

	// Pricing
	PricingChangesTotal prometheus.Counter
	PricingFetchErrors  *prometheus.CounterVec

	// Cost accounting
	CostUSD                 *prometheus.CounterVec
	PricingValidationErrors prometheus.Counter
	CostRecordsDropped      prometheus.Counter

	// Budgets and anomalies
	BudgetEnforcementsTotal *prometheus.CounterVec
	AnomaliesTotal          *prometheus.CounterVec

	// Alerts
	AlertsEmitted    prometheus.Counter
	AlertsSuppressed prometheus.Counter

	// Registry loads
	RegistryRejectedRecords prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_requests_total",
			Help: "HTTP requests handled, by route and status",
		}, []string{"route", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "routecore_request_latency_ms",
			Help:    "HTTP request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"route"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecore_rate_limited_total",
			Help: "Requests rejected by the HTTP rate limiter",
		}),
		SelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_selections_total",
			Help: "Routing decisions, by strategy and primary model",
		}, []string{"strategy", "model"}),
		ExplorationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecore_explorations_total",
			Help: "Decisions that carried an exploration candidate",
		}),
		SwallowedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_swallowed_errors_total",
			Help: "Per-candidate errors skipped during selection, by stage",
		}, []string{"stage"}),
		RegretPct: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routecore_regret_pct",
			Help:    "Per-decision counterfactual regret as a percentage",
			Buckets: regret.Buckets,
		}),
		PricingChangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecore_pricing_changes_total",
			Help: "Detected pricing changes above the change threshold",
		}),
		PricingFetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_pricing_fetch_errors_total",
			Help: "Pricing source fetch failures, by provider",
		}, []string{"provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_cost_usd_total",
			Help: "Accumulated USD cost, by model and provider",
		}, []string{"model", "provider"}),
		PricingValidationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecore_pricing_validation_errors_total",
			Help: "Completions whose actual cost diverged from live pricing",
		}),
		CostRecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecore_cost_records_dropped_total",
			Help: "Cost records dropped by the persistence queue",
		}),
		BudgetEnforcementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_budget_enforcements_total",
			Help: "Budget enforcement actions, by scope and action",
		}, []string{"scope", "action"}),
		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_anomalies_total",
			Help: "Detected anomalies, by kind and severity",
		}, []string{"kind", "severity"}),
		AlertsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecore_alerts_emitted_total",
			Help: "Alerts published on the event bus",
		}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecore_alerts_suppressed_total",
			Help: "Alerts suppressed by cooldown",
		}),
		RegistryRejectedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecore_registry_rejected_records_total",
			Help: "Registry records rejected during lenient reloads",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.RateLimited,
		m.SelectionsTotal, m.ExplorationsTotal, m.SwallowedErrors, m.RegretPct,
		m.PricingChangesTotal, m.PricingFetchErrors,
		m.CostUSD, m.PricingValidationErrors, m.CostRecordsDropped,
		m.BudgetEnforcementsTotal, m.AnomaliesTotal,
		m.AlertsEmitted, m.AlertsSuppressed,
		m.RegistryRejectedRecords,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests.
func (m *Registry) Gather() ([]*dto.MetricFamily, error) {
	return m.reg.Gather()
}
