package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atp-project/routecore/internal/anomaly"
	"github.com/atp-project/routecore/internal/budget"
	"github.com/atp-project/routecore/internal/catalog"
	"github.com/atp-project/routecore/internal/clock"
	"github.com/atp-project/routecore/internal/costs"
	"github.com/atp-project/routecore/internal/events"
	"github.com/atp-project/routecore/internal/regret"
	"github.com/atp-project/routecore/internal/selection"
	"github.com/atp-project/routecore/internal/slo"
)

var base = time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

func testRecords() map[string]catalog.Record {
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
		"premium-70b": {
			Name: "premium-70b", Provider: "anthropic", Status: catalog.StatusActive,
			SafetyGrade: catalog.GradeA, QualityScore: 0.95, LatencyP95Ms: 1400,
			CostPerInputToken: 0.01, CostPerOutputToken: 0.01,
		},
	}
}

type fixture struct {
	orch    *Orchestrator
	clk     *clock.Fake
	costs   *costs.Aggregator
	budgets *budget.Manager
	slo     *slo.Tracker
	bus     *events.Bus
	sub     *events.Subscriber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(base)
	bus := events.NewBus()
	sub := bus.Subscribe(64)

	registry := catalog.NewRegistry(clk)
	registry.Publish(testRecords())

	cfg := selection.DefaultConfig()
	engine := selection.NewEngine(cfg, nil, nil, nil,
		selection.WithRand(func() float64 { return 1.0 }), // never explore
	)

	budgets := budget.NewManager(budget.DefaultConfig(), clk)
	budgets.SetLimit(budget.ScopeTenant, "t1", 100)

	agg := costs.NewAggregator(5.0)
	sloTracker := slo.NewTracker(clk, nil)
	detector := anomaly.NewDetector(anomaly.DefaultConfig(), clk)

	orch := New(Deps{
		Clock:    clk,
		Registry: registry,
		Engine:   engine,
		Costs:    agg,
		Budgets:  budgets,
		Anomaly:  detector,
		SLO:      sloTracker,
		Regret:   regret.NewCalculator(nil),
		Bus:      bus,
	})
	return &fixture{orch: orch, clk: clk, costs: agg, budgets: budgets, slo: sloTracker, bus: bus, sub: sub}
}

func (f *fixture) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-f.sub.C:
			out = append(out, ev)
			continue
		default:
		}
		return out
	}
}

func TestSelectBalancedQuality(t *testing.T) {
	f := newFixture(t)

	resp, err := f.orch.HandleSelect(context.Background(), SelectRequest{
		Quality:         QualityBalanced,
		LatencySLOMs:    1200,
		EstimatedTokens: 1000,
		TenantID:        "t1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.CorrelationID)
	require.Equal(t, "mid-8b", resp.Primary.Name, "cheap misses quality, premium misses the latency SLO")
	require.Equal(t, 1.0, resp.ThrottleFactor)
	require.False(t, resp.Widened)

	last := resp.Plan[len(resp.Plan)-1]
	require.Equal(t, selection.RolePremiumFallback, last.Role)
	require.Equal(t, "premium-70b", last.Candidate.Name)

	require.Equal(t, 1, f.orch.PendingCount())

	evs := f.drain()
	require.Len(t, evs, 1)
	require.Equal(t, events.EventSelection, evs[0].Type)
	require.Equal(t, "mid-8b", evs[0].Model)
}

func TestSelectValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.HandleSelect(ctx, SelectRequest{Quality: "ultra", EstimatedTokens: 100})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.orch.HandleSelect(ctx, SelectRequest{QoS: "platinum", EstimatedTokens: 100})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.orch.HandleSelect(ctx, SelectRequest{Quality: QualityFast})
	require.ErrorIs(t, err, ErrInvalidRequest, "missing estimated_tokens")

	_, err = f.orch.HandleSelect(ctx, SelectRequest{EstimatedTokens: 100, SafetyRequired: "Z"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	evs := f.drain()
	require.Len(t, evs, 4)
	for _, ev := range evs {
		require.Equal(t, events.EventSelectionRejected, ev.Type)
	}
}

func TestSelectDefaultsApplied(t *testing.T) {
	f := newFixture(t)

	resp, err := f.orch.HandleSelect(context.Background(), SelectRequest{EstimatedTokens: 500})
	require.NoError(t, err)
	// Balanced default (0.75) excludes cheap-1b from the primary slot.
	require.NotEqual(t, "cheap-1b", resp.Primary.Name)
}

func TestCompletionFeedsAccounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.orch.HandleSelect(ctx, SelectRequest{
		Quality:         QualityBalanced,
		QoS:             costs.QoSGold,
		LatencySLOMs:    1200,
		EstimatedTokens: 1000,
		TenantID:        "t1",
	})
	require.NoError(t, err)
	f.drain()

	comp, err := f.orch.HandleCompletion(ctx, CompletionRequest{
		CorrelationID: resp.CorrelationID,
		Model:         resp.Primary.Name,
		Provider:      resp.Primary.Provider,
		InputTokens:   700,
		OutputTokens:  300,
		ActualCostUSD: 2.0,
		LatencyMs:     600,
		Success:       true,
	})
	require.NoError(t, err)
	require.True(t, comp.Recorded)
	require.NotNil(t, comp.Regret)
	require.Equal(t, "mid-8b", comp.Regret.ChosenModel)
	require.Equal(t, 0.0, comp.Regret.RegretPct, "chosen was the cheapest viable")
	require.Equal(t, 0, f.orch.PendingCount())

	totals := f.costs.TenantTotals("t1")
	require.Equal(t, 2.0, totals.CostUSD)
	require.Equal(t, int64(1000), totals.InputTokens+totals.OutputTokens)

	st, ok := f.budgets.GetState(budget.ScopeTenant, "t1")
	require.True(t, ok)
	require.Equal(t, 2.0, st.CurrentSpendUSD)

	f.slo.Recompute()
	require.Equal(t, slo.StatusHealthy, f.slo.States()["availability"].Status)

	evs := f.drain()
	require.Len(t, evs, 1)
	require.Equal(t, events.EventCompletion, evs[0].Type)
	require.Equal(t, 2.0, evs[0].CostUSD)
}

func TestCompletionUnknownCorrelation(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.HandleCompletion(context.Background(), CompletionRequest{CorrelationID: "ghost", Success: true})
	require.ErrorIs(t, err, ErrUnknownCorrelation)
}

func TestCompletionReplayRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.orch.HandleSelect(ctx, SelectRequest{EstimatedTokens: 100, TenantID: "t1"})
	require.NoError(t, err)

	comp := CompletionRequest{
		CorrelationID: resp.CorrelationID, Model: resp.Primary.Name, Provider: resp.Primary.Provider,
		InputTokens: 70, OutputTokens: 30, ActualCostUSD: 0.5, Success: true,
	}
	_, err = f.orch.HandleCompletion(ctx, comp)
	require.NoError(t, err)

	_, err = f.orch.HandleCompletion(ctx, comp)
	require.ErrorIs(t, err, ErrUnknownCorrelation, "replayed completion never double-counts")
	require.Equal(t, 0.5, f.costs.TenantTotals("t1").CostUSD)
}

func TestCancelledCompletionSkipsUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.orch.HandleSelect(ctx, SelectRequest{EstimatedTokens: 100, TenantID: "t1"})
	require.NoError(t, err)
	f.drain()

	comp, err := f.orch.HandleCompletion(ctx, CompletionRequest{
		CorrelationID: resp.CorrelationID, Cancelled: true,
	})
	require.NoError(t, err)
	require.False(t, comp.Recorded)
	require.Nil(t, comp.Regret)

	require.Equal(t, 0.0, f.costs.TenantTotals("t1").CostUSD)
	require.Empty(t, f.drain(), "no completion event for a cancelled request")
	require.Equal(t, 0, f.orch.PendingCount())
}

func TestFailedCompletionBurnsSLOOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.orch.HandleSelect(ctx, SelectRequest{EstimatedTokens: 100, TenantID: "t1"})
	require.NoError(t, err)

	comp, err := f.orch.HandleCompletion(ctx, CompletionRequest{
		CorrelationID: resp.CorrelationID,
		Model:         resp.Primary.Name,
		Provider:      resp.Primary.Provider,
		Success:       false,
	})
	require.NoError(t, err)
	require.False(t, comp.Recorded)

	require.Equal(t, 0.0, f.costs.TenantTotals("t1").CostUSD)

	f.slo.Recompute()
	st := f.slo.States()["error_rate"]
	require.Equal(t, 0.0, st.CurrentPct, "the single outcome failed")
}

func TestNegativeCostRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.orch.HandleSelect(ctx, SelectRequest{EstimatedTokens: 100})
	require.NoError(t, err)

	_, err = f.orch.HandleCompletion(ctx, CompletionRequest{
		CorrelationID: resp.CorrelationID, ActualCostUSD: -1, Success: true,
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPendingGC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.HandleSelect(ctx, SelectRequest{EstimatedTokens: 100})
	require.NoError(t, err)
	require.Equal(t, 1, f.orch.PendingCount())

	require.Equal(t, 0, f.orch.GC(), "fresh decision survives")
	f.clk.Advance(2 * time.Hour)
	require.Equal(t, 1, f.orch.GC())
	require.Equal(t, 0, f.orch.PendingCount())
}
