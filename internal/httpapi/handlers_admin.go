package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atp-project/routecore/internal/budget"
	"github.com/atp-project/routecore/internal/store"
)

// RegistryReloadHandler serves POST /admin/v1/registry/reload. Reloads are
// lenient: corrupt records are isolated rather than failing the whole load.
func RegistryReloadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := d.CatalogPath
		var body struct {
			Path string `json:"path,omitempty"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				jsonError(w, "bad json", http.StatusBadRequest)
				return
			}
			if body.Path != "" {
				path = body.Path
			}
		}
		if path == "" {
			jsonError(w, "no registry path configured", http.StatusBadRequest)
			return
		}

		if err := d.Registry.LoadFile(path, false); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		n := len(d.Registry.Snapshot().Candidates())
		audit(r, d, "registry.reload", path, fmt.Sprintf(`{"models":%d}`, n))
		writeJSON(w, map[string]any{"reloaded": true, "models": n})
	}
}

// RegistryListHandler serves GET /admin/v1/registry.
func RegistryListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := d.Registry.Snapshot()
		writeJSON(w, map[string]any{
			"loaded_at": snap.LoadedAt,
			"models":    snap.Candidates(),
		})
	}
}

// BudgetSetHandler serves PUT /admin/v1/budgets/{scope}/{id}.
func BudgetSetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := budget.Scope(chi.URLParam(r, "scope"))
		if scope != budget.ScopeTenant && scope != budget.ScopeProject {
			jsonError(w, "scope must be tenant or project", http.StatusBadRequest)
			return
		}
		id := chi.URLParam(r, "id")

		var body struct {
			LimitUSD float64 `json:"limit_usd"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if body.LimitUSD < 0 {
			jsonError(w, "limit_usd must be non-negative", http.StatusBadRequest)
			return
		}

		d.Budgets.SetLimit(scope, id, body.LimitUSD)
		audit(r, d, "budget.limit_set", string(scope)+"/"+id,
			fmt.Sprintf(`{"limit_usd":%g}`, body.LimitUSD))
		writeJSON(w, map[string]any{"scope": scope, "id": id, "limit_usd": body.LimitUSD})
	}
}

// DecisionsHandler serves GET /admin/v1/decisions from the persistence layer.
func DecisionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Repo == nil {
			jsonError(w, "persistence disabled", http.StatusServiceUnavailable)
			return
		}
		limit, offset := pagination(r)
		records, err := d.Repo.ListDecisions(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"decisions": records})
	}
}

// AuditHandler serves GET /admin/v1/audit.
func AuditHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Repo == nil {
			jsonError(w, "persistence disabled", http.StatusServiceUnavailable)
			return
		}
		limit, offset := pagination(r)
		entries, err := d.Repo.ListAudit(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"audit": entries})
	}
}

// RemediationsHandler serves GET /admin/v1/remediations: execution history
// plus intents awaiting approval.
func RemediationsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Incidents == nil {
			jsonError(w, "remediation disabled", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{
			"executions":        d.Incidents.Executions(),
			"pending_approvals": d.Incidents.PendingApprovals(),
		})
	}
}

// RemediationApproveHandler serves POST /admin/v1/remediations/{id}/approve.
func RemediationApproveHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Incidents == nil {
			jsonError(w, "remediation disabled", http.StatusServiceUnavailable)
			return
		}
		id := chi.URLParam(r, "id")
		if !d.Incidents.Approve(r.Context(), id) {
			jsonError(w, "no pending intent "+id, http.StatusNotFound)
			return
		}
		audit(r, d, "remediation.approve", id, "")
		writeJSON(w, map[string]any{"approved": true, "id": id})
	}
}

// RemediationCompleteHandler serves POST /admin/v1/remediations/{id}/complete.
// Used by out-of-band executors that report results directly instead of
// through the workflow.
func RemediationCompleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Incidents == nil {
			jsonError(w, "remediation disabled", http.StatusServiceUnavailable)
			return
		}
		id := chi.URLParam(r, "id")

		var body struct {
			Success bool   `json:"success"`
			Detail  string `json:"detail,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if !d.Incidents.CompleteExecution(id, body.Success, body.Detail) {
			jsonError(w, "no open execution "+id, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"completed": true, "id": id})
	}
}

// audit appends an audit entry; persistence failures are ignored here since
// the mutation itself already succeeded.
func audit(r *http.Request, d Dependencies, action, resource, detail string) {
	if d.Repo == nil {
		return
	}
	_ = d.Repo.AppendAudit(r.Context(), store.AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Resource:  resource,
		Detail:    detail,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit, offset = 100, 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
