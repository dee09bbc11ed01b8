package selection

import (
	"fmt"

	"github.com/atp-project/routecore/internal/catalog"
	"github.com/atp-project/routecore/internal/pricing"
)

// PricingLookup is the pricing capability the evaluator depends on. A nil
// lookup means static catalog pricing only.
type PricingLookup interface {
	Lookup(provider, model string, staticPer1K float64) (pricing.Entry, error)
}

// Evaluator scores one candidate under a preference vector.
type Evaluator struct {
	cfg     Config
	pricing PricingLookup
	perf    *PerformanceTracker
}

// NewEvaluator creates an evaluator. pricingLookup may be nil.
func NewEvaluator(cfg Config, pricingLookup PricingLookup, perf *PerformanceTracker) *Evaluator {
	return &Evaluator{cfg: cfg, pricing: pricingLookup, perf: perf}
}

// EstimatedCost projects the USD cost of estimatedTokens on the candidate,
// preferring live pricing when available.
func (e *Evaluator) EstimatedCost(c catalog.Candidate, estimatedTokens int) float64 {
	if e.pricing != nil {
		if entry, err := e.pricing.Lookup(c.Provider, c.Name, c.CostPer1KTokens); err == nil {
			return pricing.EstimateCost(entry, estimatedTokens)
		}
	}
	return c.CostPer1KTokens / 1000 * float64(estimatedTokens)
}

// Score computes the composite score for the candidate: a weighted blend of
// cost, quality, and latency scores, adjusted for local-model preference and
// the model's realized performance, clamped to [0, 1]. Deterministic given
// fixed inputs.
func (e *Evaluator) Score(c catalog.Candidate, weights Weights, estimatedTokens int) (float64, error) {
	if c.CostPer1KTokens < 0 {
		return 0, fmt.Errorf("negative cost for %s", c.Name)
	}

	estCost := e.EstimatedCost(c, estimatedTokens)
	costScore := 1 / (1 + estCost*10)
	qualityScore := c.QualityPred
	latencyScore := 1 / (1 + c.LatencyP95Ms/1000)

	if e.cfg.LocalPreference && IsLocalModel(c.Name) {
		costScore *= 1 + e.cfg.LocalCostMultiplier
		qualityScore += e.cfg.LocalQualityBonus
		latencyScore /= e.cfg.LocalLatencyPenalty
	}

	composite := weights.Cost*costScore + weights.Quality*qualityScore + weights.Latency*latencyScore
	if e.perf != nil {
		composite *= e.perf.Multiplier(c.Name)
	}

	if composite < 0 {
		composite = 0
	}
	if composite > 1 {
		composite = 1
	}
	return composite, nil
}
