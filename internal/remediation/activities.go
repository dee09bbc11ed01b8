package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/atp-project/routecore/internal/events"
)

// Completer closes executions in the trigger history.
type Completer interface {
	CompleteExecution(intentID string, success bool, detail string) bool
}

// Activities holds dependencies for the remediation activities.
type Activities struct {
	Client      *http.Client
	ExecutorURL string
	Completer   Completer
	Bus         *events.Bus
}

// executorResponse is the action executor's reply.
type executorResponse struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// ExecuteAction posts the intent to the action executor and returns its
// verdict. Execution side effects live entirely in the executor.
func (a *Activities) ExecuteAction(ctx context.Context, input WorkflowInput) (ExecuteOutput, error) {
	body, err := json.Marshal(input.Intent)
	if err != nil {
		return ExecuteOutput{}, fmt.Errorf("marshal intent: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.ExecutorURL, bytes.NewReader(body))
	if err != nil {
		return ExecuteOutput{}, fmt.Errorf("build executor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	if activity.IsActivity(ctx) {
		activity.RecordHeartbeat(ctx, "executing")
	}
	resp, err := a.Client.Do(req)
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		return ExecuteOutput{LatencyMs: latencyMs}, fmt.Errorf("executor call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ExecuteOutput{LatencyMs: latencyMs}, fmt.Errorf("read executor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ExecuteOutput{LatencyMs: latencyMs},
			fmt.Errorf("executor returned status %d", resp.StatusCode)
	}

	var er executorResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		return ExecuteOutput{LatencyMs: latencyMs}, fmt.Errorf("decode executor response: %w", err)
	}
	return ExecuteOutput{Success: er.Success, Detail: er.Detail, LatencyMs: latencyMs}, nil
}

// ReportResult closes the trigger's execution and publishes the remediation
// event.
func (a *Activities) ReportResult(_ context.Context, out WorkflowOutput) error {
	if a.Completer != nil {
		a.Completer.CompleteExecution(out.IntentID, out.Success, out.Detail)
	}
	if a.Bus != nil {
		a.Bus.Publish(events.Event{
			Type:    events.EventRemediation,
			Kind:    "remediation_completed",
			Reason:  out.Detail,
			Payload: out,
		})
	}
	slog.Info("remediation completed",
		slog.String("intent_id", out.IntentID),
		slog.Bool("success", out.Success),
	)
	return nil
}
