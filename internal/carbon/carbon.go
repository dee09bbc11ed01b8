// Package carbon weights routing cost by regional carbon intensity. The
// tracker is a pure function over a configured region map; it performs no I/O.
package carbon

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultIntensity is used for regions not present in the map, in gCO2/kWh.
const DefaultIntensity = 300.0

// defaultIntensities are representative grid intensities in gCO2/kWh.
var defaultIntensities = map[string]float64{
	"us-west":    200,
	"us-east":    250,
	"eu-west":    150,
	"eu-central": 180,
	"asia-east":  400,
	"asia-south": 500,
}

// Tracker computes carbon-weighted routing costs.
type Tracker struct {
	enabled     bool
	intensities map[string]float64
}

// NewTracker creates a tracker over the default intensity map.
func NewTracker(enabled bool) *Tracker {
	m := make(map[string]float64, len(defaultIntensities))
	for k, v := range defaultIntensities {
		m[k] = v
	}
	return &Tracker{enabled: enabled, intensities: m}
}

// Enabled reports whether carbon-aware weighting is on.
func (t *Tracker) Enabled() bool { return t.enabled }

// Intensity returns the grid intensity for region in gCO2/kWh.
func (t *Tracker) Intensity(region string) float64 {
	if v, ok := t.intensities[region]; ok {
		return v
	}
	return DefaultIntensity
}

// RoutingWeight returns baseCost scaled by the region's carbon intensity.
// With weighting disabled the base cost passes through unchanged.
func (t *Tracker) RoutingWeight(region string, baseCost float64) float64 {
	if !t.enabled {
		return baseCost
	}
	return baseCost * (1 + t.Intensity(region)*0.001)
}

// Regions returns the configured region names, sorted.
func (t *Tracker) Regions() []string {
	out := make([]string, 0, len(t.intensities))
	for r := range t.intensities {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

type intensityFile struct {
	Regions map[string]float64 `yaml:"regions"`
}

// LoadIntensities merges region intensities from a YAML file of the form
//
//	regions:
//	  us-west: 200
//	  eu-west: 150
//
// into the tracker's map, overriding defaults per region.
func (t *Tracker) LoadIntensities(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read carbon intensities %s: %w", path, err)
	}
	var f intensityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse carbon intensities %s: %w", path, err)
	}
	for region, v := range f.Regions {
		if v <= 0 {
			return fmt.Errorf("carbon intensity for %q must be positive, got %v", region, v)
		}
		t.intensities[region] = v
	}
	return nil
}
