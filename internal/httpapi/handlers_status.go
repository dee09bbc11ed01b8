package httpapi

import (
	"net/http"
	"strconv"
	"time"
)

// BudgetStatusHandler serves GET /v1/budget/status.
func BudgetStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"budgets": d.Budgets.Status()})
	}
}

// PricingChangesHandler serves GET /v1/pricing/changes. The optional `since`
// query parameter (RFC 3339) bounds the window; default is the last 24h.
func PricingChangesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := time.Now().Add(-24 * time.Hour)
		if raw := r.URL.Query().Get("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				jsonError(w, "since must be RFC 3339", http.StatusBadRequest)
				return
			}
			since = t
		}
		changes := d.Pricing.Cache().Changes(since)
		writeJSON(w, map[string]any{"since": since, "changes": changes})
	}
}

// PricingStaleHandler serves GET /v1/pricing/stale: models whose cached price
// is older than the staleness tolerance.
func PricingStaleHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threshold := d.Pricing.StalenessTolerance()
		if raw := r.URL.Query().Get("threshold"); raw != "" {
			t, err := time.ParseDuration(raw)
			if err != nil {
				jsonError(w, "threshold must be a duration", http.StatusBadRequest)
				return
			}
			threshold = t
		}
		stale := d.Pricing.Cache().Stale(threshold)
		writeJSON(w, map[string]any{"threshold": threshold.String(), "stale": stale})
	}
}

// SLOHandler serves GET /v1/slo.
func SLOHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"slos": d.SLO.States()})
	}
}

// AnomaliesHandler serves GET /v1/anomalies. Query parameters: `hours`
// (window, default 24) and `tenant` (filter).
func AnomaliesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours := 24
		if raw := r.URL.Query().Get("hours"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				jsonError(w, "hours must be a positive integer", http.StatusBadRequest)
				return
			}
			hours = n
		}
		writeJSON(w, d.Anomaly.Summary(hours, r.URL.Query().Get("tenant")))
	}
}

// CostsHandler serves GET /v1/costs.
func CostsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, d.Costs.Snapshot())
	}
}

// SelectionStatsHandler serves GET /v1/selection/stats.
func SelectionStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, d.Engine.History().Stats())
	}
}
