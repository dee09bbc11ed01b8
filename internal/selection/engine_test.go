package selection

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atp-project/routecore/internal/catalog"
)

func scenarioCatalog() []catalog.Candidate {
	return []catalog.Candidate{
		{Name: "cheap", Provider: "openai", CostPer1KTokens: 0.4, QualityPred: 0.70, LatencyP95Ms: 900, Status: catalog.StatusActive, SafetyGrade: catalog.GradeA},
		{Name: "mid", Provider: "openai", CostPer1KTokens: 1.0, QualityPred: 0.80, LatencyP95Ms: 1100, Status: catalog.StatusActive, SafetyGrade: catalog.GradeA},
		{Name: "premium", Provider: "openai", CostPer1KTokens: 2.0, QualityPred: 0.90, LatencyP95Ms: 1400, Status: catalog.StatusActive, SafetyGrade: catalog.GradeA},
	}
}

func newTestEngine(cfg Config, opts ...EngineOption) *Engine {
	return NewEngine(cfg, nil, NewPerformanceTracker(), NewHistory(), opts...)
}

func TestCheapestUnderBalanced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalPreference = false
	eng := newTestEngine(cfg)

	res, err := eng.Select(context.Background(), scenarioCatalog(), Query{
		QualityThreshold: 0.75, // balanced
		LatencySLOMs:     1200,
		SafetyRequired:   catalog.GradeA,
		EstimatedTokens:  1000,
	})
	require.NoError(t, err)
	require.Equal(t, "mid", res.Primary.Name)
	require.False(t, res.Widened)

	// The only latency-viable quality-compliant candidate; zero regret.
	require.Len(t, res.Viable, 1)
	require.Equal(t, "mid", res.Viable[0].Name)

	// Premium rides along as last-resort escalation.
	last := res.Plan[len(res.Plan)-1]
	require.Equal(t, "premium", last.Candidate.Name)
	require.Equal(t, RolePremiumFallback, last.Role)
}

func TestLatencyForcedEscalation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalPreference = false
	eng := newTestEngine(cfg)

	res, err := eng.Select(context.Background(), scenarioCatalog(), Query{
		QualityThreshold: 0.60, // fast
		LatencySLOMs:     950,
		SafetyRequired:   catalog.GradeA,
		EstimatedTokens:  1000,
	})
	require.NoError(t, err)
	require.Equal(t, "cheap", res.Primary.Name)
	require.Equal(t, 1.0, res.ThrottleFactor)
}

func TestSafetyFilterExcludesLowGrade(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalPreference = false
	eng := newTestEngine(cfg)

	cands := append(scenarioCatalog(), catalog.Candidate{
		Name: "unsafe", Provider: "openai", CostPer1KTokens: 0.3,
		QualityPred: 0.80, LatencyP95Ms: 800,
		Status: catalog.StatusActive, SafetyGrade: catalog.GradeC,
	})

	res, err := eng.Select(context.Background(), cands, Query{
		QualityThreshold: 0.60,
		LatencySLOMs:     1200,
		SafetyRequired:   catalog.GradeA,
		EstimatedTokens:  1000,
	})
	require.NoError(t, err)
	for _, p := range res.Plan {
		require.NotEqual(t, "unsafe", p.Candidate.Name)
		require.True(t, p.Candidate.SafetyGrade.Meets(catalog.GradeA))
	}
	for _, v := range res.Viable {
		require.NotEqual(t, "unsafe", v.Name)
	}
}

func TestShadowNeverPrimary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalPreference = false
	eng := newTestEngine(cfg)

	cands := []catalog.Candidate{
		{Name: "shadow-model", Provider: "openai", CostPer1KTokens: 0.01, QualityPred: 0.99, LatencyP95Ms: 100, Status: catalog.StatusShadow, SafetyGrade: catalog.GradeA},
		{Name: "regular", Provider: "openai", CostPer1KTokens: 1.0, QualityPred: 0.80, LatencyP95Ms: 800, Status: catalog.StatusActive, SafetyGrade: catalog.GradeA},
	}
	res, err := eng.Select(context.Background(), cands, Query{
		QualityThreshold: 0.60,
		LatencySLOMs:     1000,
		SafetyRequired:   catalog.GradeA,
		EstimatedTokens:  1000,
	})
	require.NoError(t, err)
	require.Equal(t, "regular", res.Primary.Name)
	for _, p := range res.Plan {
		require.NotEqual(t, catalog.StatusShadow, p.Candidate.Status)
	}
}

func TestNoViableCandidate(t *testing.T) {
	eng := newTestEngine(DefaultConfig())

	cands := []catalog.Candidate{
		{Name: "low-grade", Provider: "x", CostPer1KTokens: 0.1, QualityPred: 0.9, LatencyP95Ms: 100, Status: catalog.StatusActive, SafetyGrade: catalog.GradeD},
	}
	_, err := eng.Select(context.Background(), cands, Query{
		QualityThreshold: 0.60,
		LatencySLOMs:     1000,
		SafetyRequired:   catalog.GradeA,
		EstimatedTokens:  1000,
	})
	require.ErrorIs(t, err, ErrNoViableCandidate)
}

func TestLatencyWidening(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalPreference = false
	eng := newTestEngine(cfg)

	res, err := eng.Select(context.Background(), scenarioCatalog(), Query{
		QualityThreshold: 0.60,
		LatencySLOMs:     100, // nothing fits
		SafetyRequired:   catalog.GradeA,
		EstimatedTokens:  1000,
	})
	require.NoError(t, err)
	require.True(t, res.Widened)
	require.NotEmpty(t, res.Plan)
}

type fakeGate struct {
	decision GateDecision
}

func (g *fakeGate) CheckRequest(_ context.Context, _, _ string, _ float64) GateDecision {
	return g.decision
}

func TestBudgetBlockedSurfaces(t *testing.T) {
	gate := &fakeGate{decision: GateDecision{Allowed: false, Reasons: []string{"budget_tenant_would_exceed"}}}
	eng := newTestEngine(DefaultConfig(), WithGate(gate))

	_, err := eng.Select(context.Background(), scenarioCatalog(), Query{
		QualityThreshold: 0.60,
		LatencySLOMs:     1200,
		SafetyRequired:   catalog.GradeA,
		EstimatedTokens:  1000,
		TenantID:         "t1",
	})
	var bbe *BudgetBlockedError
	require.ErrorAs(t, err, &bbe)
	require.Contains(t, bbe.Reasons, "budget_tenant_would_exceed")
}

func TestThrottleFactorAttached(t *testing.T) {
	gate := &fakeGate{decision: GateDecision{Allowed: true, ThrottleFactor: 0.4}}
	cfg := DefaultConfig()
	cfg.LocalPreference = false
	eng := newTestEngine(cfg, WithGate(gate))

	res, err := eng.Select(context.Background(), scenarioCatalog(), Query{
		QualityThreshold: 0.60,
		LatencySLOMs:     1200,
		SafetyRequired:   catalog.GradeA,
		EstimatedTokens:  1000,
	})
	require.NoError(t, err)
	require.Equal(t, 0.4, res.ThrottleFactor)
}

func TestLocalPreferenceOverridesPrimary(t *testing.T) {
	cfg := DefaultConfig()
	eng := newTestEngine(cfg)

	cands := []catalog.Candidate{
		{Name: "gpt-4", Provider: "openai", CostPer1KTokens: 0.03, QualityPred: 0.95, LatencyP95Ms: 600, Status: catalog.StatusActive, SafetyGrade: catalog.GradeA},
		{Name: "llama-70b", Provider: "vllm", CostPer1KTokens: 0.0004, QualityPred: 0.72, LatencyP95Ms: 900, Status: catalog.StatusActive, SafetyGrade: catalog.GradeA},
	}
	res, err := eng.Select(context.Background(), cands, Query{
		QualityThreshold: 0.60,
		LatencySLOMs:     1000,
		SafetyRequired:   catalog.GradeA,
		EstimatedTokens:  1000,
	})
	require.NoError(t, err)
	require.Equal(t, "llama-70b", res.Primary.Name)
	require.Equal(t, RoleLocalPreference, res.Plan[0].Role)
}

func TestLocalPreferenceRespectsQualityGate(t *testing.T) {
	cfg := DefaultConfig() // MinQualityThreshold 0.7
	eng := newTestEngine(cfg)

	cands := []catalog.Candidate{
		{Name: "gpt-4", Provider: "openai", CostPer1KTokens: 0.03, QualityPred: 0.95, LatencyP95Ms: 600, Status: catalog.StatusActive, SafetyGrade: catalog.GradeA},
		{Name: "llama-7b", Provider: "vllm", CostPer1KTokens: 0.0001, QualityPred: 0.55, LatencyP95Ms: 400, Status: catalog.StatusActive, SafetyGrade: catalog.GradeA},
	}
	res, err := eng.Select(context.Background(), cands, Query{
		QualityThreshold: 0.50,
		LatencySLOMs:     1000,
		SafetyRequired:   catalog.GradeA,
		EstimatedTokens:  1000,
	})
	require.NoError(t, err)
	require.Equal(t, "gpt-4", res.Primary.Name, "sub-threshold local model must not override")
}

func TestExplorationUniformish(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cfg := DefaultConfig()
	cfg.LocalPreference = false
	cfg.ExplorationRate = 1.0
	eng := newTestEngine(cfg, WithRand(rng.Float64))

	cands := []catalog.Candidate{
		{Name: "a", Provider: "x", CostPer1KTokens: 0.1, QualityPred: 0.90, LatencyP95Ms: 200, Status: catalog.StatusActive, SafetyGrade: catalog.GradeA},
		{Name: "b", Provider: "x", CostPer1KTokens: 0.2, QualityPred: 0.85, LatencyP95Ms: 250, Status: catalog.StatusActive, SafetyGrade: catalog.GradeA},
		{Name: "c", Provider: "x", CostPer1KTokens: 0.3, QualityPred: 0.80, LatencyP95Ms: 300, Status: catalog.StatusActive, SafetyGrade: catalog.GradeA},
	}
	q := Query{QualityThreshold: 0.60, LatencySLOMs: 1000, SafetyRequired: catalog.GradeA, EstimatedTokens: 100}

	// Warm past the exploration gate.
	for i := 0; i < cfg.MinExplorationRequests; i++ {
		_, err := eng.Select(context.Background(), cands, q)
		require.NoError(t, err)
	}

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		res, err := eng.Select(context.Background(), cands, q)
		require.NoError(t, err)
		require.NotNil(t, res.Exploration, "rate 1.0 must always explore")
		require.NotEqual(t, res.Primary.Name, res.Exploration.Name)
		counts[res.Exploration.Name]++
	}
	for _, name := range []string{"b", "c"} {
		require.GreaterOrEqual(t, counts[name], 20, "exploration should sample %s uniformly", name)
	}
}

func TestExplorationGateBeforeWarmup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalPreference = false
	cfg.ExplorationRate = 1.0
	eng := newTestEngine(cfg)

	res, err := eng.Select(context.Background(), scenarioCatalog(), Query{
		QualityThreshold: 0.60,
		LatencySLOMs:     1500,
		SafetyRequired:   catalog.GradeA,
		EstimatedTokens:  100,
	})
	require.NoError(t, err)
	require.Nil(t, res.Exploration, "no exploration before min_exploration_requests")
}

func TestPureCostStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyPureCost
	cfg.LocalPreference = false
	eng := newTestEngine(cfg)

	res, err := eng.Select(context.Background(), scenarioCatalog(), Query{
		QualityThreshold: 0.60,
		LatencySLOMs:     1500,
		SafetyRequired:   catalog.GradeA,
		EstimatedTokens:  1000,
	})
	require.NoError(t, err)
	require.Equal(t, "cheap", res.Primary.Name)
}

func TestPureQualityStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyPureQuality
	cfg.LocalPreference = false
	eng := newTestEngine(cfg)

	res, err := eng.Select(context.Background(), scenarioCatalog(), Query{
		QualityThreshold: 0.60,
		LatencySLOMs:     1500,
		SafetyRequired:   catalog.GradeA,
		EstimatedTokens:  1000,
	})
	require.NoError(t, err)
	require.Equal(t, "premium", res.Primary.Name)
}

func TestHistoryStats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalPreference = false
	eng := newTestEngine(cfg)

	q := Query{QualityThreshold: 0.60, LatencySLOMs: 1500, SafetyRequired: catalog.GradeA, EstimatedTokens: 100}
	for i := 0; i < 5; i++ {
		_, err := eng.Select(context.Background(), scenarioCatalog(), q)
		require.NoError(t, err)
	}

	stats := eng.History().Stats()
	require.Equal(t, 5, stats.Total)
	require.Equal(t, 5, stats.ByStrategy[StrategyCostAwareBandit])
}
