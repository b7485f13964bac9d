// Package embeddings defines the Provider interface for text-embedding
// backends.
//
// The retrieval coordinator embeds user utterances and knowledge chunks
// into the same vector space for similarity search. All vectors returned
// by one Provider instance share the dimensionality reported by
// Dimensions; never mix vectors from different providers in one search.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
type Provider interface {
	// Embed computes the embedding vector for a single text. The result has
	// length Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for several texts in one provider call;
	// result[i] corresponds to texts[i]. On error the whole result is nil,
	// never partial.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length this provider produces,
	// constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, used to tag
	// stored vectors so stale-model rows can be detected.
	ModelID() string
}
