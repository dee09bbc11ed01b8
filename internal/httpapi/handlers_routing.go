package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/atp-project/routecore/internal/orchestrator"
	"github.com/atp-project/routecore/internal/selection"
)

// SelectHandler serves POST /v1/select: one routing decision.
func SelectHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req orchestrator.SelectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			observe(d, "/v1/select", http.StatusBadRequest, msSince(start))
			return
		}

		resp, err := d.Orchestrator.HandleSelect(r.Context(), req)
		if err != nil {
			code := errorStatus(err)
			jsonError(w, err.Error(), code)
			observe(d, "/v1/select", code, msSince(start))
			return
		}

		if d.Metrics != nil {
			d.Metrics.SelectionsTotal.WithLabelValues(string(resp.Strategy), resp.Primary.Name).Inc()
			for _, p := range resp.Plan {
				if p.Role == selection.RoleExploration {
					d.Metrics.ExplorationsTotal.Inc()
				}
			}
		}
		writeJSON(w, resp)
		observe(d, "/v1/select", http.StatusOK, msSince(start))
	}
}

// CompleteHandler serves POST /v1/complete: the outcome feedback for a
// previous selection.
func CompleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req orchestrator.CompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			observe(d, "/v1/complete", http.StatusBadRequest, msSince(start))
			return
		}

		resp, err := d.Orchestrator.HandleCompletion(r.Context(), req)
		if err != nil {
			code := errorStatus(err)
			jsonError(w, err.Error(), code)
			observe(d, "/v1/complete", code, msSince(start))
			return
		}

		// Regret is observed by the calculator when the orchestrator scores
		// the completion, not here.
		if d.Metrics != nil && resp.Recorded {
			d.Metrics.CostUSD.WithLabelValues(req.Model, req.Provider).Add(req.ActualCostUSD)
		}
		writeJSON(w, resp)
		observe(d, "/v1/complete", http.StatusOK, msSince(start))
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
