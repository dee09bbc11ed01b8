// Package selection implements the model selection engine: a cost-aware
// bandit over the registry's candidate set, reconciling quality, latency,
// safety, live pricing, carbon weighting, budget gates, and exploration.
package selection

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Strategy names a selection algorithm.
type Strategy string

const (
	StrategyCostAwareBandit Strategy = "cost_aware_bandit"
	StrategyPureCost        Strategy = "pure_cost"
	StrategyPureQuality     Strategy = "pure_quality"
	StrategyBalanced        Strategy = "balanced"
	StrategyCheapestViable  Strategy = "cheapest_viable"
	StrategyBestQuality     Strategy = "best_quality"
)

// Valid reports whether s names a known primary strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyCostAwareBandit, StrategyPureCost, StrategyPureQuality, StrategyBalanced:
		return true
	}
	return false
}

// Weights is the preference vector over scoring dimensions. A usable vector
// sums to 1 after Normalize.
type Weights struct {
	Cost    float64 `yaml:"cost"`
	Quality float64 `yaml:"quality"`
	Latency float64 `yaml:"latency"`
}

// Normalize scales the vector to sum to 1. A vector summing to zero is an
// internal invariant violation, not a recoverable input.
func (w Weights) Normalize() (Weights, error) {
	sum := w.Cost + w.Quality + w.Latency
	if sum <= 0 {
		return Weights{}, errors.New("preference weights sum to zero")
	}
	return Weights{Cost: w.Cost / sum, Quality: w.Quality / sum, Latency: w.Latency / sum}, nil
}

// DefaultWeights is the base preference vector: 0.4 cost, 0.4 quality,
// 0.2 latency.
func DefaultWeights() Weights {
	return Weights{Cost: 0.4, Quality: 0.4, Latency: 0.2}
}

// localModelIndicators mark model families that typically run on local
// serving stacks and qualify for the local preference.
var localModelIndicators = []string{
	"llama", "mistral", "vicuna", "alpaca", "falcon", "mpt", "dolly",
	"stablelm", "redpajama", "openchat", "wizard", "orca", "phi",
}

// IsLocalModel reports whether name matches the local-model indicator set.
func IsLocalModel(name string) bool {
	lower := strings.ToLower(name)
	for _, ind := range localModelIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// Config controls the selection engine.
type Config struct {
	Strategy         Strategy
	FallbackStrategy Strategy

	BaseWeights Weights
	// Preferences override the base vector per tenant and per project.
	TenantPreferences  map[string]Weights
	ProjectPreferences map[string]Weights

	ExplorationRate        float64
	MinExplorationRequests int

	LocalPreference     bool
	MinQualityThreshold float64
	LocalCostMultiplier float64 // cost_score *= (1 + multiplier)
	LocalQualityBonus   float64
	LocalLatencyPenalty float64 // latency_score /= penalty
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:               StrategyCostAwareBandit,
		FallbackStrategy:       StrategyCheapestViable,
		BaseWeights:            DefaultWeights(),
		ExplorationRate:        0.05,
		MinExplorationRequests: 10,
		LocalPreference:        true,
		MinQualityThreshold:    0.7,
		LocalCostMultiplier:    0.0,
		LocalQualityBonus:      0.05,
		LocalLatencyPenalty:    1.2,
	}
}

// Validate checks config ranges.
func (c Config) Validate() error {
	if !c.Strategy.Valid() {
		return fmt.Errorf("unknown selection strategy %q", c.Strategy)
	}
	if c.FallbackStrategy != StrategyCheapestViable && c.FallbackStrategy != StrategyBestQuality {
		return fmt.Errorf("unknown fallback strategy %q", c.FallbackStrategy)
	}
	if c.ExplorationRate < 0 || c.ExplorationRate > 1 {
		return fmt.Errorf("exploration rate %v out of [0,1]", c.ExplorationRate)
	}
	if _, err := c.BaseWeights.Normalize(); err != nil {
		return err
	}
	return nil
}

// ResolveWeights merges the base vector with tenant then project overrides
// and renormalizes, so the effective vector always sums to 1.
func (c Config) ResolveWeights(tenantID, projectID string) (Weights, error) {
	w := c.BaseWeights
	if tenantID != "" {
		if tw, ok := c.TenantPreferences[tenantID]; ok {
			w = tw
		}
	}
	if projectID != "" {
		if pw, ok := c.ProjectPreferences[projectID]; ok {
			w = pw
		}
	}
	return w.Normalize()
}

type preferencesFile struct {
	Tenants  map[string]Weights `yaml:"tenants"`
	Projects map[string]Weights `yaml:"projects"`
}

// LoadPreferences reads tenant/project weight overrides from a YAML file of
// the form
//
//	tenants:
//	  acme: {cost: 0.6, quality: 0.3, latency: 0.1}
//	projects:
//	  search: {cost: 0.2, quality: 0.6, latency: 0.2}
func (c *Config) LoadPreferences(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read preferences %s: %w", path, err)
	}
	var f preferencesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse preferences %s: %w", path, err)
	}
	for id, w := range f.Tenants {
		if _, err := w.Normalize(); err != nil {
			return fmt.Errorf("tenant %q: %w", id, err)
		}
	}
	for id, w := range f.Projects {
		if _, err := w.Normalize(); err != nil {
			return fmt.Errorf("project %q: %w", id, err)
		}
	}
	c.TenantPreferences = f.Tenants
	c.ProjectPreferences = f.Projects
	return nil
}
