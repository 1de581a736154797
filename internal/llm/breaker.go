package llm

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/darwin-engine/darwin/internal/observability"
)

// BreakerClient sheds load when the model API is failing instead of letting
// every queued topic burn its full retry budget against a dead upstream.
type BreakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker
}

func WithBreaker(inner Client, name string, logger observability.Logger) *BreakerClient {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("Circuit breaker state changed", map[string]interface{}{
					"name": name,
					"from": from.String(),
					"to":   to.String(),
				})
			}
		},
	}
	return &BreakerClient{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (c *BreakerClient) CompleteJSON(ctx context.Context, system, prompt string) (string, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.inner.CompleteJSON(ctx, system, prompt)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
