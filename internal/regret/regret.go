// Package regret computes per-decision counterfactual regret: the excess
// cost of the chosen candidate over the cheapest viable alternative.
package regret

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atp-project/routecore/internal/catalog"
)

// Buckets are the regret-percent histogram buckets.
var Buckets = []float64{0, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100}

// Analysis is the regret computation for one decision.
type Analysis struct {
	ChosenModel      string    `json:"chosen_model"`
	OptimalModel     string    `json:"optimal_model"`
	ChosenCostUSD    float64   `json:"chosen_cost_usd"`
	OptimalCostUSD   float64   `json:"optimal_cost_usd"`
	RegretAmountUSD  float64   `json:"regret_amount_usd"`
	RegretPct        float64   `json:"regret_pct"`
	ViableCandidates int       `json:"viable_candidates"`
	ComputedAt       time.Time `json:"computed_at"`
}

// Calculator records regret against a Prometheus histogram.
type Calculator struct {
	histogram prometheus.Observer
}

// NewCalculator creates a calculator. histogram may be nil.
func NewCalculator(histogram prometheus.Observer) *Calculator {
	return &Calculator{histogram: histogram}
}

// Calculate computes regret for the chosen candidate against the viable set
// the selection engine used, already filtered by the request's quality,
// latency, and safety constraints. An empty viable set yields a zero-regret
// analysis with optimal "none".
func (c *Calculator) Calculate(chosen catalog.Candidate, viable []catalog.Candidate, totalTokens int) Analysis {
	a := Analysis{
		ChosenModel:      chosen.Name,
		OptimalModel:     "none",
		ViableCandidates: len(viable),
		ComputedAt:       time.Now().UTC(),
	}
	if len(viable) == 0 {
		return a
	}

	optimal := viable[0]
	for _, v := range viable[1:] {
		if v.CostPer1KTokens < optimal.CostPer1KTokens {
			optimal = v
		}
	}
	a.OptimalModel = optimal.Name
	a.ChosenCostUSD = chosen.CostPer1KTokens / 1000 * float64(totalTokens)
	a.OptimalCostUSD = optimal.CostPer1KTokens / 1000 * float64(totalTokens)
	a.RegretAmountUSD = a.ChosenCostUSD - a.OptimalCostUSD
	if a.OptimalCostUSD > 0 {
		a.RegretPct = a.RegretAmountUSD / a.OptimalCostUSD * 100
	}

	if a.RegretAmountUSD < 0 {
		// The chosen candidate undercut every viable one; the caller passed
		// an inconsistent viable set. Log and clamp rather than crash.
		slog.Error("negative regret",
			slog.String("chosen", chosen.Name),
			slog.String("optimal", optimal.Name),
			slog.Float64("amount_usd", a.RegretAmountUSD),
		)
		a.RegretAmountUSD = 0
		a.RegretPct = 0
	}

	if c.histogram != nil {
		c.histogram.Observe(a.RegretPct)
	}
	return a
}
