package resilience

import (
	"context"
)

// Guard combines a circuit breaker with retries for request/response
// collaborators. Each attempt passes through the breaker.
type Guard struct {
	Breaker *CircuitBreaker
	Retry   *RetryConfig
}

// NewGuard creates a guard for the named collaborator.
func NewGuard(breaker *CircuitBreaker, retry *RetryConfig) *Guard {
	return &Guard{Breaker: breaker, Retry: retry}
}

// Do runs fn with retry and breaker protection. A nil Guard runs fn once.
func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}

	attempt := fn
	if g.Breaker != nil {
		attempt = func(ctx context.Context) error {
			return g.Breaker.Execute(ctx, fn)
		}
	}
	return Retry(ctx, attempt, g.Retry, IsRetryableNetworkError)
}

// Once runs fn a single time through the breaker, without retries. A nil
// Guard runs fn directly.
func (g *Guard) Once(ctx context.Context, fn func(context.Context) error) error {
	if g == nil || g.Breaker == nil {
		return fn(ctx)
	}
	return g.Breaker.Execute(ctx, fn)
}
