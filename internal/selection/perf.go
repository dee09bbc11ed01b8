package selection

import (
	"sync"
)

// perfWindow bounds the per-model outcome history.
const perfWindow = 100

type outcome struct {
	success      bool
	quality      float64
	latencyRatio float64 // actual latency / SLO
}

// PerformanceTracker feeds realized outcomes back into candidate scoring as
// a multiplier in [0.5, 1.5]. Models without history score neutral.
type PerformanceTracker struct {
	mu       sync.RWMutex
	outcomes map[string][]outcome
}

// NewPerformanceTracker creates an empty tracker.
func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{outcomes: make(map[string][]outcome)}
}

// RecordOutcome records one completed request for model. latencyRatio is
// actual latency over the request's SLO; quality is the realized quality
// signal in [0,1].
func (p *PerformanceTracker) RecordOutcome(model string, success bool, quality, latencyRatio float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	window := p.outcomes[model]
	if len(window) >= perfWindow {
		copy(window, window[1:])
		window = window[:len(window)-1]
	}
	p.outcomes[model] = append(window, outcome{success: success, quality: quality, latencyRatio: latencyRatio})
}

// Multiplier returns the performance multiplier for model:
// 0.4*success_rate + 0.4*avg_quality + 0.2*(1/max(avg_latency_ratio, 0.1)),
// clamped to [0.5, 1.5]. 1.0 with no recorded history.
func (p *PerformanceTracker) Multiplier(model string) float64 {
	p.mu.RLock()
	window := p.outcomes[model]
	n := len(window)
	if n == 0 {
		p.mu.RUnlock()
		return 1.0
	}
	var successes int
	var qualitySum, ratioSum float64
	for _, o := range window {
		if o.success {
			successes++
		}
		qualitySum += o.quality
		ratioSum += o.latencyRatio
	}
	p.mu.RUnlock()

	successRate := float64(successes) / float64(n)
	avgQuality := qualitySum / float64(n)
	avgRatio := ratioSum / float64(n)
	if avgRatio < 0.1 {
		avgRatio = 0.1
	}

	m := 0.4*successRate + 0.4*avgQuality + 0.2*(1/avgRatio)
	if m < 0.5 {
		m = 0.5
	}
	if m > 1.5 {
		m = 1.5
	}
	return m
}

// ObservationCount returns the number of recorded outcomes across all models.
func (p *PerformanceTracker) ObservationCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for _, w := range p.outcomes {
		total += len(w)
	}
	return total
}
