package selection

import (
	"sync"
	"time"
)

// historyCap bounds the retained decision history.
const historyCap = 1000

// DecisionRecord is one retained selection decision.
type DecisionRecord struct {
	Model    string    `json:"model"`
	Provider string    `json:"provider"`
	Strategy Strategy  `json:"strategy"`
	Explored string    `json:"explored,omitempty"`
	TenantID string    `json:"tenant_id,omitempty"`
	At       time.Time `json:"at"`
}

// Statistics summarizes the retained decision history.
type Statistics struct {
	Total          int                 `json:"total"`
	ByModel        map[string]int      `json:"by_model"`
	ByStrategy     map[Strategy]int    `json:"by_strategy"`
	Explorations   int                 `json:"explorations"`
	ExploredModels map[string]int      `json:"explored_models,omitempty"`
}

// History retains the most recent selection decisions for statistics and for
// the exploration warm-up gate.
type History struct {
	mu      sync.RWMutex
	records []DecisionRecord
	total   int
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Add records one decision.
func (h *History) Add(r DecisionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) >= historyCap {
		copy(h.records, h.records[1:])
		h.records = h.records[:len(h.records)-1]
	}
	h.records = append(h.records, r)
	h.total++
}

// Count returns the number of decisions ever recorded.
func (h *History) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// Stats summarizes the retained window.
func (h *History) Stats() Statistics {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Statistics{
		Total:          len(h.records),
		ByModel:        make(map[string]int),
		ByStrategy:     make(map[Strategy]int),
		ExploredModels: make(map[string]int),
	}
	for _, r := range h.records {
		s.ByModel[r.Model]++
		s.ByStrategy[r.Strategy]++
		if r.Explored != "" {
			s.Explorations++
			s.ExploredModels[r.Explored]++
		}
	}
	return s
}
