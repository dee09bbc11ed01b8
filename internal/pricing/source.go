package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrProviderUnavailable is returned after the retry budget for a provider is
// exhausted.
var ErrProviderUnavailable = errors.New("pricing provider unavailable")

// RateLimitError is returned when a provider rejects the fetch with a
// rate-limit response. RetryAfter is the provider-supplied backoff hint.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider %s rate limited (retry after %s)", e.Provider, e.RetryAfter)
}

// Source is the pricing capability the core depends on per provider. Concrete
// HTTP endpoints are collaborator implementations.
type Source interface {
	ProviderName() string
	// FetchPricing returns prices for every model the provider publishes.
	FetchPricing(ctx context.Context) (map[string]Entry, error)
}

// retryPolicy bounds the exponential backoff used around source fetches.
type retryPolicy struct {
	attempts int
	delay    time.Duration
	maxDelay time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{attempts: 3, delay: time.Second, maxDelay: 30 * time.Second}
}

// backoff returns the delay before the given zero-based retry attempt,
// doubling per attempt and capped at maxDelay.
func (p retryPolicy) backoff(attempt int) time.Duration {
	d := p.delay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.maxDelay {
			return p.maxDelay
		}
	}
	if d > p.maxDelay {
		return p.maxDelay
	}
	return d
}

// fetchWithRetry calls src.FetchPricing under the retry policy. Rate-limit
// responses wait out the provider's hint; other transient failures back off
// exponentially. The final failure surfaces as ErrProviderUnavailable.
func fetchWithRetry(ctx context.Context, src Source, policy retryPolicy) (map[string]Entry, error) {
	var lastErr error
	for attempt := 0; attempt < policy.attempts; attempt++ {
		if attempt > 0 {
			wait := policy.backoff(attempt - 1)
			var rle *RateLimitError
			if errors.As(lastErr, &rle) && rle.RetryAfter > 0 {
				wait = rle.RetryAfter
				if wait > policy.maxDelay {
					wait = policy.maxDelay
				}
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		entries, err := src.FetchPricing(ctx)
		if err == nil {
			return entries, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, src.ProviderName(), lastErr)
}
