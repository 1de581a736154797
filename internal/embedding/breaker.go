package embedding

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/darwin-engine/darwin/internal/observability"
)

// BreakerProvider wraps a remote provider with a circuit breaker so a failing
// embedding API sheds load instead of stalling every worker.
type BreakerProvider struct {
	inner Provider
	cb    *gobreaker.CircuitBreaker
}

func WithBreaker(inner Provider, name string, logger observability.Logger) *BreakerProvider {
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
	return &BreakerProvider{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

func (p *BreakerProvider) Dims() int { return p.inner.Dims() }

func (p *BreakerProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := p.cb.Execute(func() (interface{}, error) {
		return p.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}
