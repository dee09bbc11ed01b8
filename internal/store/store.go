// Package store persists routing decisions, cost records, registry
// snapshots, and the audit trail.
package store

import (
	"context"
	"time"
)

// Repository defines the persistence interface for the routing core.
type Repository interface {
	// Decisions
	SaveDecision(ctx context.Context, d DecisionRecord) error
	ListDecisions(ctx context.Context, limit, offset int) ([]DecisionRecord, error)

	// Cost records. SaveCostRecord is idempotent on correlation ID: a
	// replayed completion is ignored, never double-counted.
	SaveCostRecord(ctx context.Context, r CostRecord) (inserted bool, err error)
	ListCostRecords(ctx context.Context, since time.Time, limit int) ([]CostRecord, error)

	// Registry snapshot persistence (raw manifest JSON).
	SaveRegistry(ctx context.Context, version string, manifest []byte) error
	LoadRegistry(ctx context.Context) (version string, manifest []byte, err error)

	// Audit trail
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, limit, offset int) ([]AuditEntry, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// DecisionRecord is the persisted form of one routing decision.
type DecisionRecord struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	Model         string    `json:"model"`
	Provider      string    `json:"provider"`
	Strategy      string    `json:"strategy"`
	TenantID      string    `json:"tenant_id,omitempty"`
	ProjectID     string    `json:"project_id,omitempty"`
	Exploration   bool      `json:"exploration"`
	EstimatedCost float64   `json:"estimated_cost_usd"`
	PlanSize      int       `json:"plan_size"`
}

// CostRecord is the persisted form of one completed request's cost.
type CostRecord struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	Model         string    `json:"model"`
	Provider      string    `json:"provider"`
	TenantID      string    `json:"tenant_id,omitempty"`
	ProjectID     string    `json:"project_id,omitempty"`
	QoS           string    `json:"qos"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	CostUSD       float64   `json:"cost_usd"`
	RegretPct     float64   `json:"regret_pct"`
}

// AuditEntry captures a mutation for the audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`               // e.g. "registry.reload", "budget.limit_set"
	Resource  string    `json:"resource"`             // e.g. "tenant-a", "catalog.json"
	Detail    string    `json:"detail,omitempty"`     // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"` // correlates to HTTP request ID
}
