package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atp-project/routecore/internal/orchestrator"
	"github.com/atp-project/routecore/internal/selection"
)

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeJSON writes v as a 200 JSON response.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps pipeline errors onto HTTP status codes. Budget blocks
// surface as 429 so clients back off; an empty candidate set is the
// request's fault, not the server's.
func errorStatus(err error) int {
	var blocked *selection.BudgetBlockedError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUnknownCorrelation):
		return http.StatusNotFound
	case errors.Is(err, selection.ErrNoViableCandidate):
		return http.StatusUnprocessableEntity
	case errors.As(err, &blocked):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// observe records the request against the HTTP metrics.
func observe(d Dependencies, route string, status int, latencyMs float64) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.RequestsTotal.WithLabelValues(route, httpStatusClass(status)).Inc()
	d.Metrics.RequestLatency.WithLabelValues(route).Observe(latencyMs)
}

func httpStatusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
