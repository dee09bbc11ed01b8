// Package catalog holds the model registry: the catalog of models the
// selection engine can route to, with lifecycle status, safety grades, and
// integrity hashes, published as an atomically-swapped snapshot.
package catalog

import "time"

// Status is the lifecycle status of a registry record.
type Status string

const (
	StatusActive     Status = "active"
	StatusShadow     Status = "shadow"
	StatusDeprecated Status = "deprecated"
	StatusSunset     Status = "sunset"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusShadow, StatusDeprecated, StatusSunset:
		return true
	}
	return false
}

// SafetyGrade is an ordinal compliance tier, A strictest, D weakest.
type SafetyGrade string

const (
	GradeA SafetyGrade = "A"
	GradeB SafetyGrade = "B"
	GradeC SafetyGrade = "C"
	GradeD SafetyGrade = "D"
)

var gradeRank = map[SafetyGrade]int{GradeA: 4, GradeB: 3, GradeC: 2, GradeD: 1}

// Valid reports whether g is a known grade.
func (g SafetyGrade) Valid() bool {
	_, ok := gradeRank[g]
	return ok
}

// Meets reports whether a model with grade g satisfies the required grade.
// A model's grade satisfies any requirement at or below its own tier.
func (g SafetyGrade) Meets(required SafetyGrade) bool {
	return gradeRank[g] >= gradeRank[required]
}

// Record is a single model registry entry.
type Record struct {
	Name               string      `json:"name"`
	Provider           string      `json:"provider"`
	Status             Status      `json:"status"`
	SafetyGrade        SafetyGrade `json:"safety_grade"`
	ManifestHash       string      `json:"manifest_hash"`
	Tags               []string    `json:"tags,omitempty"`
	LatencyP50Ms       float64     `json:"latency_p50_ms"`
	LatencyP95Ms       float64     `json:"latency_p95_ms"`
	QualityScore       float64     `json:"quality_score"`
	CostPerInputToken  float64     `json:"cost_per_input_token"`
	CostPerOutputToken float64     `json:"cost_per_output_token"`
	Region             string      `json:"region,omitempty"`
}

// Candidate is the selection-facing view of a registry record, immutable per
// registry load.
type Candidate struct {
	Name            string      `json:"name"`
	Provider        string      `json:"provider"`
	CostPer1KTokens float64     `json:"cost_per_1k_tokens"`
	QualityPred     float64     `json:"quality_pred"`
	LatencyP95Ms    float64     `json:"latency_p95_ms"`
	Region          string      `json:"region,omitempty"`
	Status          Status      `json:"status"`
	SafetyGrade     SafetyGrade `json:"safety_grade"`
}

// Candidate derives the selection view of the record. The per-1k-token cost
// blends input and output token prices with the 70/30 split used throughout
// cost estimation.
func (r Record) Candidate() Candidate {
	per1k := (r.CostPerInputToken*0.7 + r.CostPerOutputToken*0.3) * 1000
	return Candidate{
		Name:            r.Name,
		Provider:        r.Provider,
		CostPer1KTokens: per1k,
		QualityPred:     r.QualityScore,
		LatencyP95Ms:    r.LatencyP95Ms,
		Region:          r.Region,
		Status:          r.Status,
		SafetyGrade:     r.SafetyGrade,
	}
}

// Snapshot is an immutable view of the registry at a point in time. Readers
// hold the pointer; writers publish a replacement.
type Snapshot struct {
	Records  map[string]Record
	LoadedAt time.Time
}

// Get returns the record for name.
func (s *Snapshot) Get(name string) (Record, bool) {
	r, ok := s.Records[name]
	return r, ok
}

// Candidates returns the selection view of every record in the snapshot.
// Shadow and sunset filtering is the selection engine's concern; the snapshot
// exposes everything except sunset models, which are no longer routable.
func (s *Snapshot) Candidates() []Candidate {
	out := make([]Candidate, 0, len(s.Records))
	for _, r := range s.Records {
		if r.Status == StatusSunset {
			continue
		}
		out = append(out, r.Candidate())
	}
	return out
}
