package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventSelection         EventType = "selection"
	EventSelectionRejected EventType = "selection_rejected"
	EventCompletion        EventType = "completion"
	EventPricingChange     EventType = "pricing_change"
	EventPricingValidation EventType = "pricing_validation"
	EventBudgetWarning     EventType = "budget_warning"
	EventBudgetCritical    EventType = "budget_critical"
	EventAnomaly           EventType = "anomaly"
	EventSLOViolation      EventType = "slo_violation"
	EventRemediation       EventType = "remediation"
	EventCostRecordDropped EventType = "cost_record_dropped"
	EventRegistryReloaded  EventType = "registry_reloaded"
)

// Event is a single routing-core event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Routing fields (populated for selection/completion events).
	CorrelationID string  `json:"correlation_id,omitempty"`
	Model         string  `json:"model,omitempty"`
	Provider      string  `json:"provider,omitempty"`
	TenantID      string  `json:"tenant_id,omitempty"`
	ProjectID     string  `json:"project_id,omitempty"`
	CostUSD       float64 `json:"cost_usd,omitempty"`
	Reason        string  `json:"reason,omitempty"`

	// Alert fields (populated when the event carries an alert).
	Kind        string            `json:"kind,omitempty"`
	Severity    string            `json:"severity,omitempty"`
	CooldownKey string            `json:"cooldown_key,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Payload     any               `json:"payload,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Done is closed when the subscriber is unsubscribed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Bus is an in-memory pub/sub event bus for routing-core events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
