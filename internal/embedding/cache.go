package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedProvider memoizes embeddings by content hash. The pipeline retries
// failed signals, so repeated text is common.
type CachedProvider struct {
	inner Provider
	cache *lru.Cache[string, []float32]
}

func WithCache(inner Provider, size int) (*CachedProvider, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedProvider{inner: inner, cache: cache}, nil
}

func (p *CachedProvider) Dims() int { return p.inner.Dims() }

func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if vec, ok := p.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Add(key, vec)
	return vec, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
