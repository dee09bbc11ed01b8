// Package remediation executes incident intents through Temporal workflows.
// The trigger decides WHAT to run; this package owns the durable execution
// and the completion report back to the trigger's history.
package remediation

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	activityTimeout  = 60 * time.Second
	executionTimeout = 10 * time.Minute
)

// RemediationWorkflow runs one intent: execute the action, then report the
// outcome. The report runs even when execution fails so the trigger's
// history always closes.
func RemediationWorkflow(ctx workflow.Context, input WorkflowInput) (WorkflowOutput, error) {
	retries := int32(1)
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: retries,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var execOut ExecuteOutput
	execErr := workflow.ExecuteActivity(ctx, (*Activities).ExecuteAction, input).Get(ctx, &execOut)

	out := WorkflowOutput{
		IntentID: input.Intent.ID,
		Success:  execErr == nil && execOut.Success,
		Detail:   execOut.Detail,
	}
	if execErr != nil {
		out.Detail = execErr.Error()
	}

	_ = workflow.ExecuteActivity(ctx, (*Activities).ReportResult, out).Get(ctx, nil)

	return out, execErr
}
