package embedding

import "context"

// LocalProvider derives a deterministic vector from the text itself. The same
// text always maps to the same vector, so clustering behaves consistently
// without a remote model. Useful for development and tests.
type LocalProvider struct {
	dims int
}

func NewLocalProvider(dims int) *LocalProvider {
	return &LocalProvider{dims: dims}
}

func (p *LocalProvider) Dims() int { return p.dims }

func (p *LocalProvider) Embed(_ context.Context, text string) ([]float32, error) {
	var hash uint64 = 5381
	for _, b := range []byte(text) {
		hash = hash*33 + uint64(b)
	}

	vec := make([]float32, p.dims)
	for i := range vec {
		val := float32((hash+uint64(i)*7919)%10000) / 10000.0
		vec[i] = val*2.0 - 1.0
	}
	return Normalize(vec), nil
}
