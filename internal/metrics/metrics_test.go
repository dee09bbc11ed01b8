package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRegistersEverything(t *testing.T) {
	m := New()
	require.NotNil(t, m.Handler())

	m.RequestsTotal.WithLabelValues("/v1/select", "200").Inc()
	m.SelectionsTotal.WithLabelValues("cost_aware_bandit", "gpt-4").Inc()
	m.RegretPct.Observe(2.5)
	m.AnomaliesTotal.WithLabelValues("cost_outlier", "high").Inc()
	m.BudgetEnforcementsTotal.WithLabelValues("tenant", "throttle").Inc()
	m.CostUSD.WithLabelValues("gpt-4", "openai").Add(0.05)

	mfs, err := m.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"routecore_requests_total",
		"routecore_selections_total",
		"routecore_regret_pct",
		"routecore_anomalies_total",
		"routecore_budget_enforcements_total",
		"routecore_cost_usd_total",
	} {
		require.True(t, names[want], want)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	m1 := New()
	m2 := New()
	m1.RateLimited.Inc()

	mfs, err := m2.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				require.Zero(t, c.GetValue())
			}
		}
	}
}
