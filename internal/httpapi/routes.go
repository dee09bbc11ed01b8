// Package httpapi exposes the routing core over HTTP: the select/complete
// surface, status endpoints for budgets, pricing, SLOs and anomalies, and
// the admin surface for registry and remediation control.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atp-project/routecore/internal/anomaly"
	"github.com/atp-project/routecore/internal/budget"
	"github.com/atp-project/routecore/internal/catalog"
	"github.com/atp-project/routecore/internal/costs"
	"github.com/atp-project/routecore/internal/events"
	"github.com/atp-project/routecore/internal/incident"
	"github.com/atp-project/routecore/internal/metrics"
	"github.com/atp-project/routecore/internal/orchestrator"
	"github.com/atp-project/routecore/internal/pricing"
	"github.com/atp-project/routecore/internal/selection"
	"github.com/atp-project/routecore/internal/slo"
	"github.com/atp-project/routecore/internal/store"
)

// Dependencies carries everything the handlers need. Optional collaborators
// may be nil; their endpoints then report 503.
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *catalog.Registry
	Engine       *selection.Engine
	Budgets      *budget.Manager
	Pricing      *pricing.Manager
	SLO          *slo.Tracker
	Anomaly      *anomaly.Detector
	Costs        *costs.Aggregator
	Incidents    *incident.Trigger
	Metrics      *metrics.Registry
	EventBus     *events.Bus
	Repo         store.Repository

	// CatalogPath is the registry file reloaded by the admin surface.
	CatalogPath string
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		snap := d.Registry.Snapshot()
		n := len(snap.Candidates())
		if n == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "unhealthy", "models": 0})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "models": n})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/select", SelectHandler(d))
		r.Post("/complete", CompleteHandler(d))
		r.Get("/budget/status", BudgetStatusHandler(d))
		r.Get("/pricing/changes", PricingChangesHandler(d))
		r.Get("/pricing/stale", PricingStaleHandler(d))
		r.Get("/slo", SLOHandler(d))
		r.Get("/anomalies", AnomaliesHandler(d))
		r.Get("/costs", CostsHandler(d))
		r.Get("/selection/stats", SelectionStatsHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Post("/registry/reload", RegistryReloadHandler(d))
		r.Get("/registry", RegistryListHandler(d))
		r.Put("/budgets/{scope}/{id}", BudgetSetHandler(d))
		r.Get("/decisions", DecisionsHandler(d))
		r.Get("/audit", AuditHandler(d))
		r.Get("/remediations", RemediationsHandler(d))
		r.Post("/remediations/{id}/approve", RemediationApproveHandler(d))
		r.Post("/remediations/{id}/complete", RemediationCompleteHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	r.Handle("/metrics", d.Metrics.Handler())
}
