package remediation

import "github.com/atp-project/routecore/internal/incident"

// WorkflowInput carries one remediation intent into the workflow.
type WorkflowInput struct {
	Intent incident.Intent `json:"intent"`
}

// ExecuteOutput is what the executor reported back.
type ExecuteOutput struct {
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// WorkflowOutput is the workflow result.
type WorkflowOutput struct {
	IntentID string `json:"intent_id"`
	Success  bool   `json:"success"`
	Detail   string `json:"detail,omitempty"`
}
