package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/atp-project/routecore/internal/incident"
)

// actsRef is a nil *Activities pointer used to create bound method references
// for Temporal mock registration. The SDK only uses reflection to extract the
// method name — no actual method body runs.
var actsRef *Activities

func sampleIntent() incident.Intent {
	return incident.Intent{
		ID:     "intent-001",
		RuleID: "restart_router_service",
		Kind:   incident.ActionRestartService,
		Config: map[string]string{"service_name": "atp-router"},
	}
}

func TestRemediationWorkflow_Success(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ExecuteAction, mock.Anything, mock.Anything).
		Return(ExecuteOutput{Success: true, Detail: "restarted", LatencyMs: 40}, nil)
	env.OnActivity(actsRef.ReportResult, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(RemediationWorkflow, WorkflowInput{Intent: sampleIntent()})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out WorkflowOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.True(t, out.Success)
	require.Equal(t, "intent-001", out.IntentID)
	require.Equal(t, "restarted", out.Detail)
}

func TestRemediationWorkflow_ExecutionFailureStillReports(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ExecuteAction, mock.Anything, mock.Anything).
		Return(ExecuteOutput{}, errors.New("executor unreachable"))

	reported := false
	env.OnActivity(actsRef.ReportResult, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			reported = true
			out := args.Get(1).(WorkflowOutput)
			require.False(t, out.Success)
			require.Contains(t, out.Detail, "executor unreachable")
		}).
		Return(nil)

	env.ExecuteWorkflow(RemediationWorkflow, WorkflowInput{Intent: sampleIntent()})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.True(t, reported, "report runs even on execution failure")
}

type recordingCompleter struct {
	mu      sync.Mutex
	id      string
	success bool
	detail  string
}

func (r *recordingCompleter) CompleteExecution(id string, success bool, detail string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id, r.success, r.detail = id, success, detail
	return true
}

func TestExecuteActionPostsIntent(t *testing.T) {
	var got incident.Intent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(executorResponse{Success: true, Detail: "done"})
	}))
	defer srv.Close()

	a := &Activities{Client: srv.Client(), ExecutorURL: srv.URL}
	out, err := a.ExecuteAction(context.Background(), WorkflowInput{Intent: sampleIntent()})
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, "done", out.Detail)
	require.Equal(t, "intent-001", got.ID)
	require.Equal(t, incident.ActionRestartService, got.Kind)
}

func TestExecuteActionNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := &Activities{Client: srv.Client(), ExecutorURL: srv.URL}
	_, err := a.ExecuteAction(context.Background(), WorkflowInput{Intent: sampleIntent()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 502")
}

func TestReportResultClosesExecution(t *testing.T) {
	rc := &recordingCompleter{}
	a := &Activities{Completer: rc}
	require.NoError(t, a.ReportResult(context.Background(), WorkflowOutput{
		IntentID: "intent-001", Success: false, Detail: "timed out",
	}))
	require.Equal(t, "intent-001", rc.id)
	require.False(t, rc.success)
	require.Equal(t, "timed out", rc.detail)
}

func TestNoopDispatcher(t *testing.T) {
	require.NoError(t, NoopDispatcher{}.Dispatch(context.Background(), sampleIntent()))
}
