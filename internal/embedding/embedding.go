// Package embedding produces unit-length vectors for signal text. Providers
// are interchangeable behind one interface; the pipeline treats vectors as
// opaque beyond their dimension.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/darwin-engine/darwin/internal/observability"
)

// ErrDimensionMismatch reports a provider returning the wrong vector size.
// It indicates a configuration problem, not a transient failure.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Provider turns text into a unit-length vector of a fixed dimension.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dims() int
}

// Options selects and configures a provider.
type Options struct {
	Provider  string
	Dims      int
	Model     string
	BaseURL   string
	APIKey    string
	CacheSize int
}

// NewProvider builds the configured provider. Remote providers are wrapped
// with a circuit breaker and an LRU cache keyed by content.
func NewProvider(opts Options, logger observability.Logger) (Provider, error) {
	switch opts.Provider {
	case "local":
		return NewLocalProvider(opts.Dims), nil
	case "openai":
		var p Provider = NewOpenAIProvider(opts.BaseURL, opts.APIKey, opts.Model, opts.Dims)
		p = WithBreaker(p, "embedding", logger)
		if opts.CacheSize > 0 {
			cached, err := WithCache(p, opts.CacheSize)
			if err != nil {
				return nil, err
			}
			p = cached
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
}

// Normalize scales a vector to unit length. Zero vectors are returned
// unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
