package incident

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atp-project/routecore/internal/clock"
	"github.com/atp-project/routecore/internal/events"
)

var base = time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu      sync.Mutex
	intents []Intent
	err     error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, intent Intent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.intents = append(f.intents, intent)
	return nil
}

func (f *fakeDispatcher) dispatched() []Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Intent(nil), f.intents...)
}

func TestConditionDispatchesMatchingRule(t *testing.T) {
	disp := &fakeDispatcher{}
	tr := NewTrigger(clock.NewFake(base), disp, nil)

	raised := tr.HandleCondition(context.Background(), CondHighErrorRate)
	require.Len(t, raised, 1)
	require.Equal(t, "restart_router_service", raised[0].RuleID)
	require.Equal(t, ActionRestartService, raised[0].Kind)
	require.NotEmpty(t, raised[0].ID)

	got := disp.dispatched()
	require.Len(t, got, 1)
	require.Equal(t, raised[0].ID, got[0].ID)

	execs := tr.Executions()
	require.Len(t, execs, 1)
	require.Equal(t, ExecRunning, execs[0].Status)
}

func TestNoRuleForCondition(t *testing.T) {
	disp := &fakeDispatcher{}
	tr := NewTrigger(clock.NewFake(base), disp, nil)
	require.Empty(t, tr.HandleCondition(context.Background(), Condition("nothing_matches")))
	require.Empty(t, disp.dispatched())
}

func TestApprovalGatedRuleQueuesInsteadOfDispatching(t *testing.T) {
	disp := &fakeDispatcher{}
	tr := NewTrigger(clock.NewFake(base), disp, nil)

	raised := tr.HandleCondition(context.Background(), CondDeploymentErrors)
	require.Len(t, raised, 1)
	require.True(t, raised[0].RequiresApproval)
	require.Empty(t, disp.dispatched(), "rollback waits for approval")

	pending := tr.PendingApprovals()
	require.Len(t, pending, 1)
	require.Equal(t, ActionRollbackDeployment, pending[0].Kind)

	require.True(t, tr.Approve(context.Background(), pending[0].ID))
	require.Len(t, disp.dispatched(), 1)
	require.Empty(t, tr.PendingApprovals())

	require.False(t, tr.Approve(context.Background(), pending[0].ID), "second approve is a no-op")
}

func TestHourlyRateLimitSkips(t *testing.T) {
	clk := clock.NewFake(base)
	disp := &fakeDispatcher{}
	tr := NewTrigger(clk, disp, nil, WithMaxExecutionsPerHour(3))

	for i := 0; i < 5; i++ {
		tr.HandleCondition(context.Background(), CondCacheErrors)
		clk.Advance(time.Minute)
	}
	require.Len(t, disp.dispatched(), 3)

	skipped := 0
	for _, e := range tr.Executions() {
		if e.Status == ExecSkipped {
			skipped++
			require.Equal(t, "rate limited", e.Detail)
		}
	}
	require.Equal(t, 2, skipped)

	// The window slides: an hour later the rule fires again.
	clk.Advance(time.Hour)
	tr.HandleCondition(context.Background(), CondCacheErrors)
	require.Len(t, disp.dispatched(), 4)
}

func TestDispatchFailureRecordedAsFailed(t *testing.T) {
	disp := &fakeDispatcher{err: errors.New("executor down")}
	tr := NewTrigger(clock.NewFake(base), disp, nil)

	tr.HandleCondition(context.Background(), CondExternalServiceErrors)
	execs := tr.Executions()
	require.Len(t, execs, 1)
	require.Equal(t, ExecFailed, execs[0].Status)
	require.Equal(t, "executor down", execs[0].Detail)
}

func TestCompleteExecutionClosesRunningIntent(t *testing.T) {
	clk := clock.NewFake(base)
	disp := &fakeDispatcher{}
	tr := NewTrigger(clk, disp, nil)

	raised := tr.HandleCondition(context.Background(), CondServiceUnavailable)
	require.Len(t, raised, 1)

	clk.Advance(30 * time.Second)
	require.True(t, tr.CompleteExecution(raised[0].ID, true, "restarted"))

	execs := tr.Executions()
	require.Equal(t, ExecSuccess, execs[0].Status)
	require.Equal(t, "restarted", execs[0].Detail)
	require.Equal(t, base.Add(30*time.Second), execs[0].CompletedAt)

	require.False(t, tr.CompleteExecution(raised[0].ID, false, ""), "already closed")
	require.False(t, tr.CompleteExecution("unknown", true, ""))
}

func TestCompleteExecutionFailure(t *testing.T) {
	disp := &fakeDispatcher{}
	tr := NewTrigger(clock.NewFake(base), disp, nil)

	raised := tr.HandleCondition(context.Background(), CondHighErrorRate)
	require.True(t, tr.CompleteExecution(raised[0].ID, false, "restart timed out"))
	require.Equal(t, ExecFailed, tr.Executions()[0].Status)
}

func TestSLOViolationEventMapsToScaleRule(t *testing.T) {
	ev := events.Event{Type: events.EventSLOViolation, Labels: map[string]string{"slo": "latency_p95"}}
	conds := conditionsFor(ev)
	require.Contains(t, conds, CondSLOViolation)
	require.Contains(t, conds, Condition("slo_violation_latency_p95"))
}

func TestBudgetCriticalEventMapsToBudgetExceeded(t *testing.T) {
	ev := events.Event{Type: events.EventBudgetCritical, Kind: "budget_critical"}
	require.Equal(t, []Condition{CondBudgetExceeded}, conditionsFor(ev))
}

func TestDirectConditionEvent(t *testing.T) {
	ev := events.Event{Type: events.EventAnomaly, Kind: "cache_errors"}
	require.Equal(t, []Condition{CondCacheErrors}, conditionsFor(ev))

	require.Empty(t, conditionsFor(events.Event{Type: events.EventAnomaly, Kind: "cost_outlier"}))
}

func TestRunConsumesBusEvents(t *testing.T) {
	disp := &fakeDispatcher{}
	tr := NewTrigger(clock.NewFake(base), disp, nil)
	bus := events.NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx, bus)
	}()

	// Wait for the subscriber to attach before publishing.
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(events.Event{Type: events.EventBudgetCritical})

	require.Eventually(t, func() bool {
		return len(tr.PendingApprovals()) == 1
	}, time.Second, 5*time.Millisecond, "budget_exceeded maps to the approval-gated traffic redirect")

	cancel()
	<-done
}

func TestExecutionHistoryBounded(t *testing.T) {
	clk := clock.NewFake(base)
	disp := &fakeDispatcher{}
	tr := NewTrigger(clk, disp, nil, WithMaxExecutionsPerHour(1<<30))

	for i := 0; i < executionCap+50; i++ {
		tr.HandleCondition(context.Background(), CondCacheErrors)
	}
	require.Len(t, tr.Executions(), executionCap)
}
