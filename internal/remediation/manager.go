package remediation

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/atp-project/routecore/internal/incident"
)

// Config holds Temporal connection settings for the remediation worker.
type Config struct {
	HostPort    string
	Namespace   string
	TaskQueue   string
	ExecutorURL string
}

// Manager owns the Temporal client and worker lifecycle. It implements
// incident.Dispatcher by starting one workflow per intent.
type Manager struct {
	client client.Client
	worker worker.Worker
	cfg    Config
}

// New creates a Temporal client and worker, registering the remediation
// workflow and activities.
func New(cfg Config, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(RemediationWorkflow)
	w.RegisterActivity(acts.ExecuteAction)
	w.RegisterActivity(acts.ReportResult)

	return &Manager{client: c, worker: w, cfg: cfg}, nil
}

// Start begins the worker polling for tasks.
func (m *Manager) Start() error {
	return m.worker.Start()
}

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}

// Dispatch starts a remediation workflow for the intent. The workflow ID is
// derived from the intent ID so Temporal deduplicates replays.
func (m *Manager) Dispatch(ctx context.Context, intent incident.Intent) error {
	opts := client.StartWorkflowOptions{
		ID:                       "remediation-" + intent.ID,
		TaskQueue:                m.cfg.TaskQueue,
		WorkflowExecutionTimeout: executionTimeout,
	}
	_, err := m.client.ExecuteWorkflow(ctx, opts, RemediationWorkflow, WorkflowInput{Intent: intent})
	if err != nil {
		return fmt.Errorf("start remediation workflow: %w", err)
	}
	return nil
}

// NoopDispatcher logs intents instead of executing them. Used when durable
// remediation is disabled.
type NoopDispatcher struct{}

func (NoopDispatcher) Dispatch(_ context.Context, intent incident.Intent) error {
	slog.Info("remediation disabled, intent dropped",
		slog.String("intent_id", intent.ID),
		slog.String("rule", intent.RuleID),
		slog.String("kind", string(intent.Kind)),
	)
	return nil
}
