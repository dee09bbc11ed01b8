package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HTTPSource fetches pricing from a provider's pricing endpoint. Calls run
// through a circuit breaker so a flapping provider stops consuming the retry
// budget of every refresh cycle.
type HTTPSource struct {
	provider string
	url      string
	apiKey   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewHTTPSource creates a source for provider at url. apiKey may be empty for
// unauthenticated endpoints.
func NewHTTPSource(provider, url, apiKey string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		provider: provider,
		url:      url,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "pricing-" + provider,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("pricing breaker state change",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		}),
	}
}

// NewOpenAISource returns a source for OpenAI's pricing endpoint.
func NewOpenAISource(url, apiKey string, timeout time.Duration) *HTTPSource {
	return NewHTTPSource("openai", url, apiKey, timeout)
}

// NewAnthropicSource returns a source for Anthropic's pricing endpoint.
func NewAnthropicSource(url, apiKey string, timeout time.Duration) *HTTPSource {
	return NewHTTPSource("anthropic", url, apiKey, timeout)
}

// NewGoogleSource returns a source for Google's pricing endpoint.
func NewGoogleSource(url, apiKey string, timeout time.Duration) *HTTPSource {
	return NewHTTPSource("google", url, apiKey, timeout)
}

func (s *HTTPSource) ProviderName() string { return s.provider }

// wireEntry is the provider response shape: per-model input/output per-1k.
type wireEntry struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

type wireResponse struct {
	Version string               `json:"version"`
	Models  map[string]wireEntry `json:"models"`
}

// FetchPricing fetches all published prices for the provider.
func (s *HTTPSource) FetchPricing(ctx context.Context) (map[string]Entry, error) {
	out, err := s.breaker.Execute(func() (any, error) {
		return s.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.(map[string]Entry), nil
}

func (s *HTTPSource) fetch(ctx context.Context) (map[string]Entry, error) {
	ctx, span := otel.Tracer("routecore.pricing").Start(ctx, "pricing.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("pricing.provider", s.provider),
			attribute.String("http.url", s.url),
		),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		return nil, fmt.Errorf("create pricing request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("fetch pricing from %s: %w", s.provider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusTooManyRequests {
		rle := &RateLimitError{Provider: s.provider, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		span.RecordError(rle)
		span.SetStatus(codes.Error, "rate limited")
		return nil, rle
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("pricing endpoint %s returned HTTP %d", s.provider, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("read pricing response: %w", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return nil, fmt.Errorf("decode pricing response from %s: %w", s.provider, err)
	}

	now := time.Now().UTC()
	entries := make(map[string]Entry, len(wire.Models))
	for model, w := range wire.Models {
		if w.InputPer1K <= 0 || w.OutputPer1K <= 0 {
			slog.Warn("pricing entry rejected",
				slog.String("provider", s.provider),
				slog.String("model", model),
				slog.Float64("input_per_1k", w.InputPer1K),
				slog.Float64("output_per_1k", w.OutputPer1K),
			)
			continue
		}
		entries[model] = Entry{
			InputPer1K:    w.InputPer1K,
			OutputPer1K:   w.OutputPer1K,
			CapturedAt:    now,
			SourceVersion: wire.Version,
		}
	}

	span.SetStatus(codes.Ok, "")
	return entries, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
