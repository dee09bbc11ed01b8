package pricing

import (
	"context"
	"hash/fnv"
	"time"
)

// MockSource returns deterministic pricing with small per-model noise. It is
// always registered so the pipeline runs without any live provider configured.
type MockSource struct {
	provider string
	base     map[string]Entry
}

// NewMockSource creates a mock source for provider with the given base prices
// keyed by model name.
func NewMockSource(provider string, base map[string]Entry) *MockSource {
	return &MockSource{provider: provider, base: base}
}

// DefaultMockSource returns a mock with representative per-1k prices.
func DefaultMockSource() *MockSource {
	return NewMockSource("mock", map[string]Entry{
		"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
		"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"claude-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-haiku":  {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		"gemini-pro":    {InputPer1K: 0.000125, OutputPer1K: 0.000375},
		"llama-70b":     {InputPer1K: 0.0004, OutputPer1K: 0.0004},
	})
}

func (m *MockSource) ProviderName() string { return m.provider }

// FetchPricing returns the base prices nudged by a deterministic per-model
// factor within ±2%, so repeated fetches are stable but not byte-identical
// across models.
func (m *MockSource) FetchPricing(_ context.Context) (map[string]Entry, error) {
	now := time.Now().UTC()
	out := make(map[string]Entry, len(m.base))
	for model, e := range m.base {
		f := noiseFactor(model)
		out[model] = Entry{
			InputPer1K:    e.InputPer1K * f,
			OutputPer1K:   e.OutputPer1K * f,
			CapturedAt:    now,
			SourceVersion: "mock-v1",
		}
	}
	return out, nil
}

// noiseFactor maps a model name onto [0.98, 1.02] deterministically.
func noiseFactor(model string) float64 {
	h := fnv.New32a()
	h.Write([]byte(model))
	return 0.98 + float64(h.Sum32()%401)/10000.0
}
