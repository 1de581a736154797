package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darwin-engine/darwin/internal/observability"
)

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func TestLocalProviderDeterministic(t *testing.T) {
	p := NewLocalProvider(384)
	ctx := context.Background()

	a, err := p.Embed(ctx, "the login button is broken")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "the login button is broken")
	require.NoError(t, err)
	c, err := p.Embed(ctx, "please add dark mode")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 384)
	assert.Equal(t, 384, p.Dims())
}

func TestLocalProviderUnitNorm(t *testing.T) {
	p := NewLocalProvider(64)

	vec, err := p.Embed(context.Background(), "some feedback text")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vectorNorm(vec), 1e-5)
}

func TestNormalize(t *testing.T) {
	vec := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)

	zero := []float32{0, 0, 0}
	assert.Equal(t, zero, Normalize(zero))
}

func TestOpenAIProviderEmbed(t *testing.T) {
	const dims = 8

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req openAIEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "checkout crashes on submit", req.Input)
		assert.Equal(t, "text-embedding-3-small", req.Model)
		require.NotNil(t, req.Dimensions)
		assert.Equal(t, dims, *req.Dimensions)

		vec := make([]float32, dims)
		for i := range vec {
			vec[i] = 2
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"embedding": vec}},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL, "test-key", "text-embedding-3-small", dims)

	vec, err := p.Embed(context.Background(), "checkout crashes on submit")
	require.NoError(t, err)
	assert.Len(t, vec, dims)
	assert.InDelta(t, 1.0, vectorNorm(vec), 1e-5)
}

func TestOpenAIProviderAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL, "test-key", "text-embedding-3-small", 8)

	_, err := p.Embed(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestOpenAIProviderDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"embedding": []float32{1, 2, 3}}},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL, "test-key", "text-embedding-3-small", 8)

	_, err := p.Embed(context.Background(), "anything")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
}

type countingProvider struct {
	calls int
	dims  int
	err   error
}

func (p *countingProvider) Dims() int { return p.dims }

func (p *countingProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	vec := make([]float32, p.dims)
	vec[0] = 1
	return vec, nil
}

func TestCachedProviderMemoizes(t *testing.T) {
	inner := &countingProvider{dims: 4}
	p, err := WithCache(inner, 16)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.Embed(ctx, "same text")
	require.NoError(t, err)
	_, err = p.Embed(ctx, "same text")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	_, err = p.Embed(ctx, "other text")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedProviderDoesNotCacheErrors(t *testing.T) {
	inner := &countingProvider{dims: 4, err: fmt.Errorf("boom")}
	p, err := WithCache(inner, 16)
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "text")
	require.Error(t, err)
	_, err = p.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &countingProvider{dims: 4, err: fmt.Errorf("upstream down")}
	p := WithBreaker(inner, "test", observability.NewNoopLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.Embed(ctx, "text")
		require.Error(t, err)
	}

	_, err := p.Embed(ctx, "text")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, 5, inner.calls)
}

func TestNewProviderSelection(t *testing.T) {
	logger := observability.NewNoopLogger()

	p, err := NewProvider(Options{Provider: "local", Dims: 384}, logger)
	require.NoError(t, err)
	assert.IsType(t, &LocalProvider{}, p)

	p, err = NewProvider(Options{Provider: "openai", Dims: 384, Model: "text-embedding-3-small", APIKey: "k", CacheSize: 128}, logger)
	require.NoError(t, err)
	assert.IsType(t, &CachedProvider{}, p)

	_, err = NewProvider(Options{Provider: "bedrock"}, logger)
	require.Error(t, err)
}
