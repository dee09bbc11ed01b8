// Package pricing fetches, caches, and watches per-provider token prices and
// exposes them to the selection engine as a low-latency lookup.
package pricing

import "time"

// TokenType distinguishes input and output token prices.
type TokenType string

const (
	TokenInput  TokenType = "input"
	TokenOutput TokenType = "output"
)

// Entry is the price of one model at one provider at a point in time.
type Entry struct {
	InputPer1K    float64   `json:"input_per_1k"`
	OutputPer1K   float64   `json:"output_per_1k"`
	CapturedAt    time.Time `json:"captured_at"`
	SourceVersion string    `json:"source_version,omitempty"`
}

// Stale reports whether the entry is older than threshold at now.
func (e Entry) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(e.CapturedAt) > threshold
}

// ChangeSeverity classifies how significant a price movement is.
type ChangeSeverity string

const (
	ChangeLow    ChangeSeverity = "low"
	ChangeMedium ChangeSeverity = "medium"
	ChangeHigh   ChangeSeverity = "high"
)

// SignificantChangePercent is the |change| above which a price movement is
// classified high severity.
const SignificantChangePercent = 20.0

// Change records a detected price movement on one token type.
type Change struct {
	Provider      string         `json:"provider"`
	Model         string         `json:"model"`
	TokenType     TokenType      `json:"token_type"`
	PreviousPrice float64        `json:"previous_price"`
	CurrentPrice  float64        `json:"current_price"`
	ChangePercent float64        `json:"change_percent"`
	Severity      ChangeSeverity `json:"severity"`
	DetectedAt    time.Time      `json:"detected_at"`
}

func severityFor(changePercent float64) ChangeSeverity {
	abs := changePercent
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= SignificantChangePercent:
		return ChangeHigh
	case abs >= 10:
		return ChangeMedium
	default:
		return ChangeLow
	}
}
