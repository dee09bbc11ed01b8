package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atp-project/routecore/internal/alerts"
)

const (
	defaultQueueCap   = 1024
	writeAttempts     = 3
	writeRetryBackoff = 250 * time.Millisecond
)

// Queued decouples cost-record persistence from the request path: writes go
// through a bounded buffer drained by a background worker. When the buffer
// is full or a write exhausts its retries, the record is dropped, counted,
// and alerted — never blocked on.
type Queued struct {
	repo    Repository
	queue   chan CostRecord
	dropped prometheus.Counter
	alerter *alerts.Emitter
}

// QueuedOption configures a Queued wrapper.
type QueuedOption func(*Queued)

// WithQueueCapacity overrides the default buffer size.
func WithQueueCapacity(n int) QueuedOption {
	return func(q *Queued) {
		if n > 0 {
			q.queue = make(chan CostRecord, n)
		}
	}
}

// WithDroppedCounter counts dropped cost records.
func WithDroppedCounter(c prometheus.Counter) QueuedOption {
	return func(q *Queued) { q.dropped = c }
}

// WithAlerter emits cost_record_dropped alerts.
func WithAlerter(e *alerts.Emitter) QueuedOption {
	return func(q *Queued) { q.alerter = e }
}

// NewQueued wraps repo with a bounded write buffer.
func NewQueued(repo Repository, opts ...QueuedOption) *Queued {
	q := &Queued{
		repo:  repo,
		queue: make(chan CostRecord, defaultQueueCap),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue buffers a cost record for persistence. Returns false when the
// buffer is full and the record was dropped.
func (q *Queued) Enqueue(r CostRecord) bool {
	select {
	case q.queue <- r:
		return true
	default:
		q.drop(r, "queue full")
		return false
	}
}

// Depth reports the current buffer occupancy.
func (q *Queued) Depth() int { return len(q.queue) }

// Run drains the buffer until ctx is cancelled, then flushes what remains.
func (q *Queued) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.flush()
			return ctx.Err()
		case r := <-q.queue:
			q.write(ctx, r)
		}
	}
}

func (q *Queued) write(ctx context.Context, r CostRecord) {
	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				q.drop(r, "shutdown during retry")
				return
			case <-time.After(writeRetryBackoff << (attempt - 1)):
			}
		}
		if _, err = q.repo.SaveCostRecord(ctx, r); err == nil {
			return
		}
	}
	q.drop(r, err.Error())
}

// flush makes one best-effort pass over the remaining buffer.
func (q *Queued) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case r := <-q.queue:
			if _, err := q.repo.SaveCostRecord(ctx, r); err != nil {
				q.drop(r, err.Error())
			}
		default:
			return
		}
	}
}

func (q *Queued) drop(r CostRecord, reason string) {
	slog.Error("cost record dropped",
		slog.String("correlation_id", r.CorrelationID),
		slog.String("reason", reason),
	)
	if q.dropped != nil {
		q.dropped.Inc()
	}
	if q.alerter != nil {
		q.alerter.Emit(alerts.Alert{
			Kind:        "cost_record_dropped",
			Severity:    alerts.SeverityHigh,
			CooldownKey: "cost_record_dropped",
			Labels:      map[string]string{"tenant_id": r.TenantID},
			Payload:     map[string]any{"correlation_id": r.CorrelationID, "reason": reason},
		})
	}
}
