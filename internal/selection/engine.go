package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atp-project/routecore/internal/carbon"
	"github.com/atp-project/routecore/internal/catalog"
	"github.com/atp-project/routecore/internal/pricing"
)

// ErrNoViableCandidate is returned when no candidate satisfies the request's
// constraints, even after widening.
var ErrNoViableCandidate = errors.New("no viable candidate")

// BudgetBlockedError is returned when the budget gate refuses the request.
type BudgetBlockedError struct {
	Reasons []string
}

func (e *BudgetBlockedError) Error() string {
	return "budget blocked: " + strings.Join(e.Reasons, ", ")
}

// GateDecision is the budget gate's answer for one request.
type GateDecision struct {
	Allowed        bool
	ThrottleFactor float64
	Reasons        []string
}

// Gate is the budget pre-check capability the engine depends on.
type Gate interface {
	CheckRequest(ctx context.Context, tenantID, projectID string, estimatedCost float64) GateDecision
}

// Query is one selection request.
type Query struct {
	QualityThreshold float64
	LatencySLOMs     float64
	SafetyRequired   catalog.SafetyGrade
	EstimatedTokens  int
	TenantID         string
	ProjectID        string
}

// Role names a plan entry's purpose.
type Role string

const (
	RolePrimary         Role = "primary"
	RoleLocalPreference Role = "local_preference"
	RoleExploration     Role = "exploration"
	RolePremiumFallback Role = "premium_fallback"
)

// PlanEntry is one candidate in the ordered plan.
type PlanEntry struct {
	Candidate       catalog.Candidate `json:"candidate"`
	ExpectedCostUSD float64           `json:"expected_cost_usd"`
	Role            Role              `json:"role"`
}

// Result is a completed selection.
type Result struct {
	Plan           []PlanEntry
	Primary        catalog.Candidate
	Exploration    *catalog.Candidate
	ThrottleFactor float64
	Strategy       Strategy
	Widened        bool

	// Viable is the filtered candidate set at decision time, kept for
	// counterfactual regret analysis.
	Viable []catalog.Candidate
}

// Engine chooses a plan for each request.
type Engine struct {
	cfg       Config
	evaluator *Evaluator
	perf      *PerformanceTracker
	history   *History

	gate   Gate
	carbon *carbon.Tracker

	swallowed *prometheus.CounterVec // labeled by stage

	randMu sync.Mutex
	randF  func() float64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithGate installs the budget pre-check.
func WithGate(g Gate) EngineOption {
	return func(e *Engine) { e.gate = g }
}

// WithCarbon installs carbon-aware cost weighting.
func WithCarbon(t *carbon.Tracker) EngineOption {
	return func(e *Engine) { e.carbon = t }
}

// WithSwallowedCounter counts per-candidate errors the engine skips over,
// labeled by pipeline stage.
func WithSwallowedCounter(vec *prometheus.CounterVec) EngineOption {
	return func(e *Engine) { e.swallowed = vec }
}

// WithRand overrides the exploration randomness source (tests).
func WithRand(f func() float64) EngineOption {
	return func(e *Engine) { e.randF = f }
}

// NewEngine creates a selection engine.
func NewEngine(cfg Config, pricingLookup PricingLookup, perf *PerformanceTracker, history *History, opts ...EngineOption) *Engine {
	if perf == nil {
		perf = NewPerformanceTracker()
	}
	if history == nil {
		history = NewHistory()
	}
	e := &Engine{
		cfg:       cfg,
		evaluator: NewEvaluator(cfg, pricingLookup, perf),
		perf:      perf,
		history:   history,
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	e.randF = rng.Float64
	for _, o := range opts {
		o(e)
	}
	return e
}

// Perf exposes the performance tracker for outcome feedback.
func (e *Engine) Perf() *PerformanceTracker { return e.perf }

// History exposes the decision history for statistics endpoints.
func (e *Engine) History() *History { return e.history }

type scored struct {
	cand  catalog.Candidate
	score float64
	cost  float64 // projected USD for the request
}

// Select chooses a plan from candidates under the query's constraints.
func (e *Engine) Select(ctx context.Context, candidates []catalog.Candidate, q Query) (*Result, error) {
	weights, err := e.cfg.ResolveWeights(q.TenantID, q.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("resolve preference weights: %w", err)
	}

	viable, premiumPool, widened := e.filterViable(candidates, q)
	if len(viable) == 0 {
		return nil, ErrNoViableCandidate
	}

	enhanced := e.enhancePricing(viable, q.EstimatedTokens)
	if len(enhanced) == 0 {
		return nil, ErrNoViableCandidate
	}
	enhancedPremium := e.enhancePricing(premiumPool, q.EstimatedTokens)

	throttle := 1.0
	if e.gate != nil {
		cheapest := math.Inf(1)
		for _, s := range enhanced {
			if s.cost < cheapest {
				cheapest = s.cost
			}
		}
		gd := e.gate.CheckRequest(ctx, q.TenantID, q.ProjectID, cheapest)
		if !gd.Allowed {
			return nil, &BudgetBlockedError{Reasons: gd.Reasons}
		}
		if gd.ThrottleFactor > 0 && gd.ThrottleFactor < 1 {
			throttle = gd.ThrottleFactor
		}
	}

	ranked, err := e.runStrategy(e.cfg.Strategy, enhanced, weights, q)
	if err != nil {
		slog.Warn("primary strategy failed, using fallback",
			slog.String("strategy", string(e.cfg.Strategy)),
			slog.String("error", err.Error()),
		)
		ranked, err = e.runStrategy(e.cfg.FallbackStrategy, enhanced, weights, q)
		if err != nil || len(ranked) == 0 {
			return nil, ErrNoViableCandidate
		}
	}
	if len(ranked) == 0 {
		return nil, ErrNoViableCandidate
	}

	res := &Result{
		ThrottleFactor: throttle,
		Strategy:       e.cfg.Strategy,
		Widened:        widened,
		Viable:         candidatesOf(enhanced),
	}

	primary := ranked[0]
	res.Plan = append(res.Plan, PlanEntry{Candidate: primary.cand, ExpectedCostUSD: primary.cost, Role: RolePrimary})

	// Local preference overrides the computed primary when a local model
	// clears the quality bar.
	if e.cfg.LocalPreference {
		if local, ok := e.bestLocal(ranked, primary.cand); ok {
			res.Plan = append([]PlanEntry{{Candidate: local.cand, ExpectedCostUSD: local.cost, Role: RoleLocalPreference}}, res.Plan...)
		}
	}
	res.Primary = res.Plan[0].Candidate

	// Exploration only applies to the bandit strategy.
	if e.cfg.Strategy == StrategyCostAwareBandit {
		if exp, ok := e.maybeExplore(ranked, res.Plan); ok {
			res.Plan = append(res.Plan, PlanEntry{Candidate: exp.cand, ExpectedCostUSD: exp.cost, Role: RoleExploration})
			c := exp.cand
			res.Exploration = &c
		}
	}

	// Last-resort escalation: the most expensive viable candidate, drawn
	// from the pre-latency pool so an over-SLO premium model still backs
	// the plan.
	if premium, ok := mostExpensive(enhancedPremium); ok && !planContains(res.Plan, premium.cand.Name) {
		res.Plan = append(res.Plan, PlanEntry{Candidate: premium.cand, ExpectedCostUSD: premium.cost, Role: RolePremiumFallback})
	}

	explored := ""
	if res.Exploration != nil {
		explored = res.Exploration.Name
	}
	e.history.Add(DecisionRecord{
		Model:    res.Primary.Name,
		Provider: res.Primary.Provider,
		Strategy: e.cfg.Strategy,
		Explored: explored,
		TenantID: q.TenantID,
		At:       time.Now().UTC(),
	})

	return res, nil
}

// filterViable applies the shadow, safety, quality, and latency filters.
// The second return is the premium-fallback pool: quality- and
// safety-compliant candidates regardless of latency. When nothing survives
// the latency SLO the constraint widens, first dropping latency, then the
// quality threshold; only shadow exclusion and safety are never widened.
func (e *Engine) filterViable(candidates []catalog.Candidate, q Query) (viable, premiumPool []catalog.Candidate, widened bool) {
	var base, quality, underSLO []catalog.Candidate
	for _, c := range candidates {
		if c.Status == catalog.StatusShadow {
			continue
		}
		if !c.SafetyGrade.Meets(q.SafetyRequired) {
			continue
		}
		base = append(base, c)
		if c.QualityPred < q.QualityThreshold {
			continue
		}
		quality = append(quality, c)
		if q.LatencySLOMs > 0 && c.LatencyP95Ms > q.LatencySLOMs {
			continue
		}
		underSLO = append(underSLO, c)
	}

	premiumPool = quality
	if len(premiumPool) == 0 {
		premiumPool = base
	}

	switch {
	case len(underSLO) > 0:
		return underSLO, premiumPool, false
	case len(quality) > 0:
		return quality, premiumPool, true
	default:
		return base, premiumPool, true
	}
}

// enhancePricing attaches a projected cost to each candidate. A candidate
// whose pricing cannot be resolved is skipped, not fatal.
func (e *Engine) enhancePricing(viable []catalog.Candidate, estimatedTokens int) []scored {
	out := make([]scored, 0, len(viable))
	for _, c := range viable {
		cost, err := e.projectedCost(c, estimatedTokens)
		if err != nil {
			e.swallow("pricing_lookup")
			slog.Debug("candidate skipped: pricing unavailable",
				slog.String("model", c.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, scored{cand: c, cost: cost})
	}
	return out
}

func (e *Engine) projectedCost(c catalog.Candidate, estimatedTokens int) (float64, error) {
	if e.evaluator.pricing == nil {
		return c.CostPer1KTokens / 1000 * float64(estimatedTokens), nil
	}
	entry, err := e.evaluator.pricing.Lookup(c.Provider, c.Name, c.CostPer1KTokens)
	if err != nil {
		return 0, err
	}
	return pricing.EstimateCost(entry, estimatedTokens), nil
}

// weightedCost is the carbon-adjusted cost used for ordering.
func (e *Engine) weightedCost(s scored) float64 {
	if e.carbon == nil {
		return s.cost
	}
	return e.carbon.RoutingWeight(s.cand.Region, s.cost)
}

func (e *Engine) runStrategy(strategy Strategy, enhanced []scored, weights Weights, q Query) ([]scored, error) {
	switch strategy {
	case StrategyCostAwareBandit, StrategyBalanced:
		return e.rankByScore(enhanced, weights, q.EstimatedTokens)
	case StrategyPureCost, StrategyCheapestViable:
		ranked := append([]scored(nil), enhanced...)
		sort.SliceStable(ranked, func(i, j int) bool {
			wi, wj := e.weightedCost(ranked[i]), e.weightedCost(ranked[j])
			if wi != wj {
				return wi < wj
			}
			return lessTie(ranked[i].cand, ranked[j].cand)
		})
		return ranked, nil
	case StrategyPureQuality, StrategyBestQuality:
		ranked := append([]scored(nil), enhanced...)
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].cand.QualityPred != ranked[j].cand.QualityPred {
				return ranked[i].cand.QualityPred > ranked[j].cand.QualityPred
			}
			return lessTie(ranked[i].cand, ranked[j].cand)
		})
		return ranked, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
}

// rankByScore scores every candidate and sorts descending; a single
// candidate's scoring failure skips it rather than failing the decision.
// Carbon weighting orders the pre-scoring cost ranking so the score
// tie-break between equally scored candidates prefers greener regions.
func (e *Engine) rankByScore(enhanced []scored, weights Weights, estimatedTokens int) ([]scored, error) {
	ranked := make([]scored, 0, len(enhanced))
	for _, s := range enhanced {
		score, err := e.evaluator.Score(s.cand, weights, estimatedTokens)
		if err != nil {
			e.swallow("scoring")
			slog.Debug("candidate skipped: scoring failed",
				slog.String("model", s.cand.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.score = score
		ranked = append(ranked, s)
	}
	if len(ranked) == 0 {
		return nil, errors.New("no candidate survived scoring")
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		wi, wj := e.weightedCost(ranked[i]), e.weightedCost(ranked[j])
		if wi != wj {
			return wi < wj
		}
		return lessTie(ranked[i].cand, ranked[j].cand)
	})
	return ranked, nil
}

// bestLocal returns the highest-ranked viable local model clearing the
// quality threshold, excluding the already chosen primary.
func (e *Engine) bestLocal(ranked []scored, primary catalog.Candidate) (scored, bool) {
	if IsLocalModel(primary.Name) {
		return scored{}, false
	}
	for _, s := range ranked {
		if IsLocalModel(s.cand.Name) && s.cand.QualityPred >= e.cfg.MinQualityThreshold {
			return s, true
		}
	}
	return scored{}, false
}

// maybeExplore picks an exploration candidate with probability
// exploration_rate, uniformly from the viable non-plan candidates with
// score > 0.5, once enough observations exist.
func (e *Engine) maybeExplore(ranked []scored, plan []PlanEntry) (scored, bool) {
	if e.cfg.ExplorationRate <= 0 {
		return scored{}, false
	}
	if e.history.Count() < e.cfg.MinExplorationRequests {
		return scored{}, false
	}
	e.randMu.Lock()
	roll := e.randF()
	e.randMu.Unlock()
	if roll >= e.cfg.ExplorationRate {
		return scored{}, false
	}

	var pool []scored
	for _, s := range ranked {
		if s.score <= 0.5 {
			continue
		}
		if planContains(plan, s.cand.Name) {
			continue
		}
		pool = append(pool, s)
	}
	if len(pool) == 0 {
		return scored{}, false
	}

	e.randMu.Lock()
	idx := int(e.randF() * float64(len(pool)))
	e.randMu.Unlock()
	if idx >= len(pool) {
		idx = len(pool) - 1
	}
	return pool[idx], true
}

func (e *Engine) swallow(stage string) {
	if e.swallowed != nil {
		e.swallowed.WithLabelValues(stage).Inc()
	}
}

// lessTie orders equal-score candidates: cheaper, then faster, then by name.
func lessTie(a, b catalog.Candidate) bool {
	if a.CostPer1KTokens != b.CostPer1KTokens {
		return a.CostPer1KTokens < b.CostPer1KTokens
	}
	if a.LatencyP95Ms != b.LatencyP95Ms {
		return a.LatencyP95Ms < b.LatencyP95Ms
	}
	return a.Name < b.Name
}

func mostExpensive(enhanced []scored) (scored, bool) {
	if len(enhanced) == 0 {
		return scored{}, false
	}
	best := enhanced[0]
	for _, s := range enhanced[1:] {
		if s.cand.CostPer1KTokens > best.cand.CostPer1KTokens {
			best = s
		}
	}
	return best, true
}

func planContains(plan []PlanEntry, name string) bool {
	for _, p := range plan {
		if p.Candidate.Name == name {
			return true
		}
	}
	return false
}

func candidatesOf(enhanced []scored) []catalog.Candidate {
	out := make([]catalog.Candidate, len(enhanced))
	for i, s := range enhanced {
		out[i] = s.cand
	}
	return out
}
