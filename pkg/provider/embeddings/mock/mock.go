// Package mock provides a deterministic embeddings.Provider for tests.
//
// Vectors are derived from an FNV hash of the input text, so equal texts
// always embed identically and distinct texts almost never collide. That
// makes the mock usable for end-to-end retrieval tests without a live
// model.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/mirrortalk/mirrortalk/pkg/provider/embeddings"
)

// DefaultDimensions is the vector length used when Dims is zero.
const DefaultDimensions = 8

// Provider is a deterministic mock implementation of embeddings.Provider.
// The zero value is usable.
type Provider struct {
	// Dims overrides the vector length. Zero means DefaultDimensions.
	Dims int

	// Err, if non-nil, is returned from Embed and EmbedBatch.
	Err error

	// Vectors overrides the derived vector for specific texts, letting a
	// test place texts at chosen points in the space.
	Vectors map[string][]float32

	mu    sync.Mutex
	calls []string
}

var _ embeddings.Provider = (*Provider)(nil)

// Calls returns every text embedded so far, in order, including batch
// members.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.calls = append(p.calls, text)
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls = append(p.calls, texts...)
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims > 0 {
		return p.Dims
	}
	return DefaultDimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock-embed-v1" }

// vector derives a unit-length vector from the text's FNV hash.
func (p *Provider) vector(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return v
	}

	dims := p.Dimensions()
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	v := make([]float32, dims)
	var norm float64
	for i := range v {
		// xorshift-style mixing keeps each component distinct.
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		c := float64(int64(seed%2000)-1000) / 1000.0
		v[i] = float32(c)
		norm += c * c
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}
