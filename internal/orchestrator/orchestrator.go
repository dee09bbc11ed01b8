// Package orchestrator wires the routing pipeline: request validation,
// anomaly pre-check, selection, and the completion feedback loop that feeds
// cost accounting, budgets, anomaly detection, SLOs, and regret.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atp-project/routecore/internal/anomaly"
	"github.com/atp-project/routecore/internal/budget"
	"github.com/atp-project/routecore/internal/catalog"
	"github.com/atp-project/routecore/internal/clock"
	"github.com/atp-project/routecore/internal/costs"
	"github.com/atp-project/routecore/internal/events"
	"github.com/atp-project/routecore/internal/pricing"
	"github.com/atp-project/routecore/internal/regret"
	"github.com/atp-project/routecore/internal/selection"
	"github.com/atp-project/routecore/internal/slo"
	"github.com/atp-project/routecore/internal/store"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// ErrUnknownCorrelation is returned when a completion references no pending
// decision.
var ErrUnknownCorrelation = errors.New("unknown correlation id")

// QualityTier is the caller-facing quality level, mapped to a prediction
// threshold.
type QualityTier string

const (
	QualityFast     QualityTier = "fast"
	QualityBalanced QualityTier = "balanced"
	QualityHigh     QualityTier = "high"
)

var qualityThresholds = map[QualityTier]float64{
	QualityFast:     0.60,
	QualityBalanced: 0.75,
	QualityHigh:     0.85,
}

// costEfficientRegretPct is the regret ceiling for the cost-efficiency SLO.
const costEfficientRegretPct = 10.0

// pendingTTL bounds how long a decision waits for its completion.
const pendingTTL = time.Hour

// SelectRequest is one routing request.
type SelectRequest struct {
	CorrelationID   string             `json:"correlation_id,omitempty"`
	Quality         QualityTier        `json:"quality"`
	QoS             costs.QoS          `json:"qos"`
	LatencySLOMs    float64            `json:"latency_slo_ms,omitempty"`
	SafetyRequired  catalog.SafetyGrade `json:"safety_required,omitempty"`
	EstimatedTokens int                `json:"estimated_tokens"`
	TenantID        string             `json:"tenant_id,omitempty"`
	ProjectID       string             `json:"project_id,omitempty"`
}

// SelectResponse is the routing decision returned to the caller.
type SelectResponse struct {
	CorrelationID  string                `json:"correlation_id"`
	Plan           []selection.PlanEntry `json:"plan"`
	Primary        catalog.Candidate     `json:"primary"`
	Strategy       selection.Strategy    `json:"strategy"`
	ThrottleFactor float64               `json:"throttle_factor"`
	Widened        bool                  `json:"constraints_widened,omitempty"`
	Anomaly        anomaly.PreCheck      `json:"anomaly_precheck"`
}

// CompletionRequest reports the outcome of a routed request.
type CompletionRequest struct {
	CorrelationID string  `json:"correlation_id"`
	Model         string  `json:"model"`
	Provider      string  `json:"provider"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	ActualCostUSD float64 `json:"actual_cost_usd"`
	LatencyMs     float64 `json:"latency_ms"`
	QualityScore  float64 `json:"quality_score,omitempty"`
	Success       bool    `json:"success"`
	Cancelled     bool    `json:"cancelled,omitempty"`
}

// CompletionResponse echoes the feedback bookkeeping.
type CompletionResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Regret        *regret.Analysis `json:"regret,omitempty"`
	Recorded      bool            `json:"recorded"`
}

// pendingDecision is the selection-time context held for completion.
type pendingDecision struct {
	primary      catalog.Candidate
	viable       []catalog.Candidate
	qos          costs.QoS
	tenantID     string
	projectID    string
	latencySLOMs float64
	at           time.Time
}

// Orchestrator owns the select/complete pipeline.
type Orchestrator struct {
	clk      clock.Clock
	registry *catalog.Registry
	engine   *selection.Engine
	pricing  *pricing.Manager
	costsAgg *costs.Aggregator
	budgets  *budget.Manager
	anomaly  *anomaly.Detector
	sloTrack *slo.Tracker
	regret   *regret.Calculator
	queued   *store.Queued
	repo     store.Repository
	bus      *events.Bus

	mu      sync.Mutex
	pending map[string]pendingDecision
}

// Deps bundles the orchestrator's collaborators. Registry, engine, and clock
// are required; the rest degrade to no-ops when nil.
type Deps struct {
	Clock    clock.Clock
	Registry *catalog.Registry
	Engine   *selection.Engine
	Pricing  *pricing.Manager
	Costs    *costs.Aggregator
	Budgets  *budget.Manager
	Anomaly  *anomaly.Detector
	SLO      *slo.Tracker
	Regret   *regret.Calculator
	Queued   *store.Queued
	Repo     store.Repository
	Bus      *events.Bus
}

// New creates an orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		clk:      d.Clock,
		registry: d.Registry,
		engine:   d.Engine,
		pricing:  d.Pricing,
		costsAgg: d.Costs,
		budgets:  d.Budgets,
		anomaly:  d.Anomaly,
		sloTrack: d.SLO,
		regret:   d.Regret,
		queued:   d.Queued,
		repo:     d.Repo,
		bus:      d.Bus,
		pending:  make(map[string]pendingDecision),
	}
}

// Gate adapts the budget manager to the selection engine's pre-check
// interface.
type Gate struct {
	Budgets *budget.Manager
}

func (g Gate) CheckRequest(ctx context.Context, tenantID, projectID string, estimatedCost float64) selection.GateDecision {
	d := g.Budgets.CheckRequest(ctx, tenantID, projectID, estimatedCost)
	return selection.GateDecision{
		Allowed:        d.Allowed,
		ThrottleFactor: d.ThrottleFactor,
		Reasons:        d.Reasons,
	}
}

// HandleSelect validates the request, runs the anomaly pre-check, and asks
// the selection engine for a plan.
func (o *Orchestrator) HandleSelect(ctx context.Context, req SelectRequest) (*SelectResponse, error) {
	threshold, err := o.validate(&req)
	if err != nil {
		o.publishRejection(req, err)
		return nil, err
	}

	snap := o.registry.Snapshot()
	candidates := snap.Candidates()

	var pre anomaly.PreCheck
	if o.anomaly != nil {
		pre = o.anomaly.IsAnomalousRequest(o.projectedCost(candidates, req.EstimatedTokens), req.EstimatedTokens)
		if pre.IsAnomalous {
			slog.Warn("anomalous request flagged pre-selection",
				slog.String("correlation_id", req.CorrelationID),
				slog.Float64("confidence", pre.Confidence),
			)
		}
	}

	result, err := o.engine.Select(ctx, candidates, selection.Query{
		QualityThreshold: threshold,
		LatencySLOMs:     req.LatencySLOMs,
		SafetyRequired:   req.SafetyRequired,
		EstimatedTokens:  req.EstimatedTokens,
		TenantID:         req.TenantID,
		ProjectID:        req.ProjectID,
	})
	if err != nil {
		o.publishRejection(req, err)
		return nil, err
	}

	o.mu.Lock()
	o.pending[req.CorrelationID] = pendingDecision{
		primary:      result.Primary,
		viable:       result.Viable,
		qos:          req.QoS,
		tenantID:     req.TenantID,
		projectID:    req.ProjectID,
		latencySLOMs: req.LatencySLOMs,
		at:           o.clk.Now(),
	}
	o.mu.Unlock()

	o.persistDecision(ctx, req, result)
	if o.bus != nil {
		o.bus.Publish(events.Event{
			Type:          events.EventSelection,
			CorrelationID: req.CorrelationID,
			Model:         result.Primary.Name,
			Provider:      result.Primary.Provider,
			TenantID:      req.TenantID,
			ProjectID:     req.ProjectID,
		})
	}

	return &SelectResponse{
		CorrelationID:  req.CorrelationID,
		Plan:           result.Plan,
		Primary:        result.Primary,
		Strategy:       result.Strategy,
		ThrottleFactor: result.ThrottleFactor,
		Widened:        result.Widened,
		Anomaly:        pre,
	}, nil
}

// validate normalizes the request in place and returns the quality
// prediction threshold.
func (o *Orchestrator) validate(req *SelectRequest) (float64, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.Quality == "" {
		req.Quality = QualityBalanced
	}
	threshold, ok := qualityThresholds[req.Quality]
	if !ok {
		return 0, fmt.Errorf("%w: unknown quality tier %q", ErrInvalidRequest, req.Quality)
	}
	if req.QoS == "" {
		req.QoS = costs.QoSSilver
	}
	if !req.QoS.Valid() {
		return 0, fmt.Errorf("%w: unknown qos %q", ErrInvalidRequest, req.QoS)
	}
	if req.EstimatedTokens <= 0 {
		return 0, fmt.Errorf("%w: estimated_tokens must be positive", ErrInvalidRequest)
	}
	if req.SafetyRequired != "" && !req.SafetyRequired.Valid() {
		return 0, fmt.Errorf("%w: unknown safety grade %q", ErrInvalidRequest, req.SafetyRequired)
	}
	if req.LatencySLOMs < 0 {
		return 0, fmt.Errorf("%w: latency_slo_ms must be non-negative", ErrInvalidRequest)
	}
	return threshold, nil
}

// projectedCost estimates the request's cost from the cheapest candidate,
// which is what the budget gate will see as the floor.
func (o *Orchestrator) projectedCost(candidates []catalog.Candidate, estimatedTokens int) float64 {
	cheapest := -1.0
	for _, c := range candidates {
		cost := c.CostPer1KTokens / 1000 * float64(estimatedTokens)
		if cheapest < 0 || cost < cheapest {
			cheapest = cost
		}
	}
	if cheapest < 0 {
		return 0
	}
	return cheapest
}

// HandleCompletion closes the loop on a routed request: cost accounting,
// pricing validation, budget spend, anomaly observation, SLO outcome,
// regret, and performance feedback.
func (o *Orchestrator) HandleCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if req.CorrelationID == "" {
		return nil, fmt.Errorf("%w: correlation_id required", ErrInvalidRequest)
	}
	if req.ActualCostUSD < 0 {
		return nil, fmt.Errorf("%w: actual_cost_usd must be non-negative", ErrInvalidRequest)
	}

	o.mu.Lock()
	pd, ok := o.pending[req.CorrelationID]
	if ok {
		delete(o.pending, req.CorrelationID)
	}
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCorrelation, req.CorrelationID)
	}

	// A cancelled request never reached a provider: no spend, no SLO debit,
	// no feedback.
	if req.Cancelled {
		return &CompletionResponse{CorrelationID: req.CorrelationID}, nil
	}

	if !req.Success {
		// Failures carry no tokens or cost but still burn SLO budget.
		o.recordSLO(slo.Outcome{Available: true, Success: false, WithinLatency: false, CostEfficient: true})
		o.feedPerformance(req, pd)
		o.publishCompletion(req, pd)
		return &CompletionResponse{CorrelationID: req.CorrelationID}, nil
	}

	totalTokens := req.InputTokens + req.OutputTokens
	rec := costs.Record{
		DecisionID:   req.CorrelationID,
		Provider:     req.Provider,
		Model:        req.Model,
		TenantID:     pd.tenantID,
		ProjectID:    pd.projectID,
		QoS:          pd.qos,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		CostUSD:      req.ActualCostUSD,
		RecordedAt:   o.clk.Now(),
	}
	if o.costsAgg != nil {
		if err := o.costsAgg.Record(rec); err != nil {
			return nil, err
		}
		o.costsAgg.ValidatePricing(rec, o.expectedCost(req, pd, totalTokens))
	}

	if o.budgets != nil {
		if pd.tenantID != "" {
			if err := o.budgets.RecordCost(ctx, budget.ScopeTenant, pd.tenantID, req.ActualCostUSD); err != nil {
				slog.Error("tenant budget record failed", slog.String("error", err.Error()))
			}
		}
		if pd.projectID != "" {
			if err := o.budgets.RecordCost(ctx, budget.ScopeProject, pd.projectID, req.ActualCostUSD); err != nil {
				slog.Error("project budget record failed", slog.String("error", err.Error()))
			}
		}
	}

	if o.anomaly != nil {
		o.anomaly.Observe(anomaly.Point{
			At:       o.clk.Now(),
			CostUSD:  req.ActualCostUSD,
			Tokens:   totalTokens,
			Provider: req.Provider,
			Model:    req.Model,
			TenantID: pd.tenantID,
		})
	}

	var analysis *regret.Analysis
	if o.regret != nil {
		a := o.regret.Calculate(pd.primary, pd.viable, totalTokens)
		analysis = &a
	}

	withinLatency := pd.latencySLOMs <= 0 || req.LatencyMs <= pd.latencySLOMs
	costEfficient := analysis == nil || analysis.RegretPct <= costEfficientRegretPct
	o.recordSLO(slo.Outcome{Available: true, Success: true, WithinLatency: withinLatency, CostEfficient: costEfficient})

	o.feedPerformance(req, pd)
	o.enqueueCostRecord(req, pd, analysis)
	o.publishCompletion(req, pd)

	return &CompletionResponse{CorrelationID: req.CorrelationID, Regret: analysis, Recorded: true}, nil
}

// expectedCost projects the completion's cost from live pricing for the
// validation gap check. Zero disables validation.
func (o *Orchestrator) expectedCost(req CompletionRequest, pd pendingDecision, totalTokens int) float64 {
	if o.pricing == nil {
		return 0
	}
	entry, err := o.pricing.Lookup(req.Provider, req.Model, pd.primary.CostPer1KTokens)
	if err != nil {
		return 0
	}
	return pricing.EstimateCost(entry, totalTokens)
}

func (o *Orchestrator) recordSLO(out slo.Outcome) {
	if o.sloTrack != nil {
		o.sloTrack.Record(out)
	}
}

func (o *Orchestrator) feedPerformance(req CompletionRequest, pd pendingDecision) {
	latencyRatio := 1.0
	if pd.latencySLOMs > 0 && req.LatencyMs > 0 {
		latencyRatio = req.LatencyMs / pd.latencySLOMs
	}
	quality := req.QualityScore
	if quality == 0 && req.Success {
		quality = pd.primary.QualityPred
	}
	o.engine.Perf().RecordOutcome(req.Model, req.Success, quality, latencyRatio)
}

func (o *Orchestrator) enqueueCostRecord(req CompletionRequest, pd pendingDecision, analysis *regret.Analysis) {
	if o.queued == nil {
		return
	}
	regretPct := 0.0
	if analysis != nil {
		regretPct = analysis.RegretPct
	}
	o.queued.Enqueue(store.CostRecord{
		CorrelationID: req.CorrelationID,
		Timestamp:     o.clk.Now(),
		Model:         req.Model,
		Provider:      req.Provider,
		TenantID:      pd.tenantID,
		ProjectID:     pd.projectID,
		QoS:           string(pd.qos),
		InputTokens:   req.InputTokens,
		OutputTokens:  req.OutputTokens,
		CostUSD:       req.ActualCostUSD,
		RegretPct:     regretPct,
	})
}

func (o *Orchestrator) persistDecision(ctx context.Context, req SelectRequest, result *selection.Result) {
	if o.repo == nil {
		return
	}
	err := o.repo.SaveDecision(ctx, store.DecisionRecord{
		CorrelationID: req.CorrelationID,
		Timestamp:     o.clk.Now(),
		Model:         result.Primary.Name,
		Provider:      result.Primary.Provider,
		Strategy:      string(result.Strategy),
		TenantID:      req.TenantID,
		ProjectID:     req.ProjectID,
		Exploration:   result.Exploration != nil,
		PlanSize:      len(result.Plan),
	})
	if err != nil {
		slog.Error("decision persistence failed",
			slog.String("correlation_id", req.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) publishRejection(req SelectRequest, err error) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:          events.EventSelectionRejected,
		CorrelationID: req.CorrelationID,
		TenantID:      req.TenantID,
		Reason:        err.Error(),
	})
}

func (o *Orchestrator) publishCompletion(req CompletionRequest, pd pendingDecision) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:          events.EventCompletion,
		CorrelationID: req.CorrelationID,
		Model:         req.Model,
		Provider:      req.Provider,
		TenantID:      pd.tenantID,
		ProjectID:     pd.projectID,
		CostUSD:       req.ActualCostUSD,
	})
}

// GC drops pending decisions older than the TTL. Run periodically from a
// background task.
func (o *Orchestrator) GC() int {
	cutoff := o.clk.Now().Add(-pendingTTL)
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, pd := range o.pending {
		if pd.at.Before(cutoff) {
			delete(o.pending, id)
			removed++
		}
	}
	return removed
}

// PendingCount reports decisions awaiting completion.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
