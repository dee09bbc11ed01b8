package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/atp-project/routecore/internal/anomaly"
	"github.com/atp-project/routecore/internal/budget"
	"github.com/atp-project/routecore/internal/catalog"
	"github.com/atp-project/routecore/internal/clock"
	"github.com/atp-project/routecore/internal/costs"
	"github.com/atp-project/routecore/internal/events"
	"github.com/atp-project/routecore/internal/incident"
	"github.com/atp-project/routecore/internal/metrics"
	"github.com/atp-project/routecore/internal/orchestrator"
	"github.com/atp-project/routecore/internal/pricing"
	"github.com/atp-project/routecore/internal/regret"
	"github.com/atp-project/routecore/internal/selection"
	"github.com/atp-project/routecore/internal/slo"
	"github.com/atp-project/routecore/internal/store"
)

var apiBase = time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

func apiRecords() map[string]catalog.Record {
	return map[string]catalog.Record{
		"cheap-1b": {
			Name: "cheap-1b", Provider: "openai", Status: catalog.StatusActive,
			SafetyGrade: catalog.GradeA, QualityScore: 0.70, LatencyP95Ms: 300,
			CostPerInputToken: 0.0005, CostPerOutputToken: 0.0005,
		},
		"mid-8b": {
			Name: "mid-8b", Provider: "openai", Status: catalog.StatusActive,
			SafetyGrade: catalog.GradeA, QualityScore: 0.85, LatencyP95Ms: 800,
			CostPerInputToken: 0.002, CostPerOutputToken: 0.002,
		},
	}
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, incident.Intent) error { return nil }

type blockingGate struct{}

func (blockingGate) CheckRequest(context.Context, string, string, float64) selection.GateDecision {
	return selection.GateDecision{Allowed: false, Reasons: []string{"budget_tenant_would_exceed"}}
}

type apiFixture struct {
	router   chi.Router
	registry *catalog.Registry
	budgets  *budget.Manager
	trigger  *incident.Trigger
	repo     store.Repository
	metrics  *metrics.Registry
	clk      *clock.Fake
}

type fixtureOption func(*Dependencies, *selection.Config, *[]selection.EngineOption)

func withGate(g selection.Gate) fixtureOption {
	return func(_ *Dependencies, _ *selection.Config, opts *[]selection.EngineOption) {
		*opts = append(*opts, selection.WithGate(g))
	}
}

func withRepo(t *testing.T) fixtureOption {
	return func(d *Dependencies, _ *selection.Config, _ *[]selection.EngineOption) {
		repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
		require.NoError(t, err)
		require.NoError(t, repo.Migrate(context.Background()))
		t.Cleanup(func() { _ = repo.Close() })
		d.Repo = repo
	}
}

func newAPIFixture(t *testing.T, records map[string]catalog.Record, opts ...fixtureOption) *apiFixture {
	t.Helper()
	clk := clock.NewFake(apiBase)
	bus := events.NewBus()

	registry := catalog.NewRegistry(clk)
	registry.Publish(records)

	cfg := selection.DefaultConfig()
	engineOpts := []selection.EngineOption{
		selection.WithRand(func() float64 { return 1.0 }),
	}

	budgets := budget.NewManager(budget.DefaultConfig(), clk)
	trigger := incident.NewTrigger(clk, nopDispatcher{}, nil)

	cache := pricing.NewCache(clk, time.Hour, 5.0)
	pm := pricing.NewManager(pricing.ManagerConfig{
		UpdateInterval:     time.Hour,
		StalenessTolerance: time.Hour,
		FallbackToStatic:   true,
	}, clk, cache, nil)

	d := Dependencies{
		Registry:  registry,
		Budgets:   budgets,
		Pricing:   pm,
		SLO:       slo.NewTracker(clk, nil),
		Anomaly:   anomaly.NewDetector(anomaly.DefaultConfig(), clk),
		Costs:     costs.NewAggregator(5.0),
		Incidents: trigger,
		Metrics:   metrics.New(),
		EventBus:  bus,
	}
	for _, o := range opts {
		o(&d, &cfg, &engineOpts)
	}

	engine := selection.NewEngine(cfg, nil, nil, nil, engineOpts...)
	d.Engine = engine
	d.Orchestrator = orchestrator.New(orchestrator.Deps{
		Clock:    clk,
		Registry: registry,
		Engine:   engine,
		Costs:    d.Costs,
		Budgets:  budgets,
		Anomaly:  d.Anomaly,
		SLO:      d.SLO,
		Regret:   regret.NewCalculator(d.Metrics.RegretPct),
		Repo:     d.Repo,
		Bus:      bus,
	})

	r := chi.NewRouter()
	MountRoutes(r, d)
	return &apiFixture{router: r, registry: registry, budgets: budgets, trigger: trigger, repo: d.Repo, metrics: d.Metrics, clk: clk}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.ContentLength = int64(buf.Len())
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t, apiRecords())
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	empty := newAPIFixture(t, map[string]catalog.Record{})
	rec = empty.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSelectCompleteRoundTrip(t *testing.T) {
	f := newAPIFixture(t, apiRecords())

	rec := f.do(t, http.MethodPost, "/v1/select", map[string]any{
		"quality":          "balanced",
		"latency_slo_ms":   1200,
		"estimated_tokens": 1000,
		"tenant_id":        "t1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sel := decode[orchestrator.SelectResponse](t, rec)
	require.Equal(t, "mid-8b", sel.Primary.Name)
	require.NotEmpty(t, sel.CorrelationID)

	rec = f.do(t, http.MethodPost, "/v1/complete", map[string]any{
		"correlation_id":  sel.CorrelationID,
		"model":           sel.Primary.Name,
		"provider":        sel.Primary.Provider,
		"input_tokens":    700,
		"output_tokens":   300,
		"actual_cost_usd": 2.0,
		"latency_ms":      600,
		"success":         true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	comp := decode[orchestrator.CompletionResponse](t, rec)
	require.True(t, comp.Recorded)

	rec = f.do(t, http.MethodGet, "/v1/costs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "mid-8b")
}

func TestSelectStatusMapping(t *testing.T) {
	f := newAPIFixture(t, apiRecords())

	rec := f.do(t, http.MethodPost, "/v1/select", map[string]any{
		"quality": "ultra", "estimated_tokens": 100,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/select", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	empty := newAPIFixture(t, map[string]catalog.Record{})
	rec = empty.do(t, http.MethodPost, "/v1/select", map[string]any{"estimated_tokens": 100})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSelectBudgetBlockedReturns429(t *testing.T) {
	f := newAPIFixture(t, apiRecords(), withGate(blockingGate{}))
	rec := f.do(t, http.MethodPost, "/v1/select", map[string]any{
		"estimated_tokens": 100, "tenant_id": "t1",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "budget blocked")
}

func TestCompleteUnknownCorrelationReturns404(t *testing.T) {
	f := newAPIFixture(t, apiRecords())
	rec := f.do(t, http.MethodPost, "/v1/complete", map[string]any{
		"correlation_id": "ghost", "success": true,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBudgetStatusAndSet(t *testing.T) {
	f := newAPIFixture(t, apiRecords())

	rec := f.do(t, http.MethodPut, "/admin/v1/budgets/tenant/t1", map[string]any{"limit_usd": 250.0})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/admin/v1/budgets/galaxy/t1", map[string]any{"limit_usd": 1.0})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/budget/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]budget.StatusReport](t, rec)
	require.Len(t, body["budgets"], 1)
	require.Equal(t, 250.0, body["budgets"][0].BudgetUSD)
}

func TestPricingEndpoints(t *testing.T) {
	f := newAPIFixture(t, apiRecords())

	rec := f.do(t, http.MethodGet, "/v1/pricing/changes", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/pricing/changes?since=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/pricing/stale?threshold=10m", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/pricing/stale?threshold=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoints(t *testing.T) {
	f := newAPIFixture(t, apiRecords())

	for _, path := range []string{"/v1/slo", "/v1/anomalies", "/v1/selection/stats", "/metrics"} {
		rec := f.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := f.do(t, http.MethodGet, "/v1/anomalies?hours=-3", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegistryAdmin(t *testing.T) {
	f := newAPIFixture(t, apiRecords())

	rec := f.do(t, http.MethodGet, "/admin/v1/registry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "cheap-1b")

	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, f.registry.SaveFile(path))

	records := apiRecords()
	delete(records, "cheap-1b")
	f.registry.Publish(records)
	require.Len(t, f.registry.Snapshot().Candidates(), 1)

	rec = f.do(t, http.MethodPost, "/admin/v1/registry/reload", map[string]any{"path": path})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.registry.Snapshot().Candidates(), 2, "reload restores the saved catalog")

	rec = f.do(t, http.MethodPost, "/admin/v1/registry/reload", map[string]any{"path": filepath.Join(t.TempDir(), "missing.json")})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRegistryReloadWithoutPath(t *testing.T) {
	f := newAPIFixture(t, apiRecords())
	rec := f.do(t, http.MethodPost, "/admin/v1/registry/reload", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecisionsAndAuditPersistence(t *testing.T) {
	f := newAPIFixture(t, apiRecords(), withRepo(t))

	rec := f.do(t, http.MethodPost, "/v1/select", map[string]any{
		"estimated_tokens": 100, "tenant_id": "t1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/v1/decisions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Decisions []store.DecisionRecord `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Decisions, 1)

	rec = f.do(t, http.MethodPut, "/admin/v1/budgets/tenant/t1", map[string]any{"limit_usd": 50.0})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/v1/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "budget.limit_set")
}

func TestDecisionsWithoutRepoReturns503(t *testing.T) {
	f := newAPIFixture(t, apiRecords())
	for _, path := range []string{"/admin/v1/decisions", "/admin/v1/audit"} {
		rec := f.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestRemediationAdminFlow(t *testing.T) {
	f := newAPIFixture(t, apiRecords())

	// deployment_errors maps to a rollback rule that needs approval.
	intents := f.trigger.HandleCondition(context.Background(), incident.CondDeploymentErrors)
	require.Len(t, intents, 1)
	id := intents[0].ID

	rec := f.do(t, http.MethodGet, "/admin/v1/remediations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), id)

	rec = f.do(t, http.MethodPost, "/admin/v1/remediations/"+id+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/v1/remediations/"+id+"/approve", nil)
	require.Equal(t, http.StatusNotFound, rec.Code, "already approved")

	rec = f.do(t, http.MethodPost, "/admin/v1/remediations/"+id+"/complete",
		map[string]any{"success": true, "detail": "rolled back"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/v1/remediations/"+id+"/complete",
		map[string]any{"success": true})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsStream(t *testing.T) {
	f := newAPIFixture(t, apiRecords())

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/admin/v1/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "event: connected")
	cancel()
}

func TestMetricsExposed(t *testing.T) {
	f := newAPIFixture(t, apiRecords())

	rec := f.do(t, http.MethodPost, "/v1/select", map[string]any{
		"estimated_tokens": 100, "tenant_id": "t1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "routecore_requests_total")
	require.Contains(t, rec.Body.String(), "routecore_selections_total")
}

func TestRegretObservedOncePerCompletion(t *testing.T) {
	f := newAPIFixture(t, apiRecords())

	rec := f.do(t, http.MethodPost, "/v1/select", map[string]any{
		"quality":          "balanced",
		"estimated_tokens": 1000,
		"tenant_id":        "t1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sel := decode[orchestrator.SelectResponse](t, rec)

	rec = f.do(t, http.MethodPost, "/v1/complete", map[string]any{
		"correlation_id":  sel.CorrelationID,
		"model":           sel.Primary.Name,
		"provider":        sel.Primary.Provider,
		"input_tokens":    700,
		"output_tokens":   300,
		"actual_cost_usd": 2.0,
		"latency_ms":      600,
		"success":         true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	comp := decode[orchestrator.CompletionResponse](t, rec)
	require.NotNil(t, comp.Regret)

	fams, err := f.metrics.Gather()
	require.NoError(t, err)
	var samples uint64
	for _, mf := range fams {
		if mf.GetName() != "routecore_regret_pct" {
			continue
		}
		for _, m := range mf.GetMetric() {
			samples += m.GetHistogram().GetSampleCount()
		}
	}
	require.Equal(t, uint64(1), samples, "one completion records one regret sample")
}
