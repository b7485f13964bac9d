// Package knowledge defines the per-user knowledge base: embedded text
// chunks owned by exactly one user, searchable by vector similarity.
//
// Isolation is the core invariant of this package: every read and write
// carries a user ID, and no operation may return a chunk owned by a
// different user. Implementations enforce the filter in the storage layer
// itself, never in post-processing.
package knowledge

import (
	"context"
	"time"
)

// SourceType classifies where a chunk came from. Retrieval ranking gives
// FAQ entries priority over documents, and documents priority over
// conversation history.
type SourceType string

const (
	SourceDocument     SourceType = "document"
	SourceFAQ          SourceType = "faq"
	SourceConversation SourceType = "conversation"
)

// Chunk is one embedded fragment of a user's knowledge base.
type Chunk struct {
	// ID is the chunk's unique identifier.
	ID string

	// UserID is the owning user. Never empty.
	UserID string

	// Content is the chunk text.
	Content string

	// Source classifies the chunk's origin.
	Source SourceType

	// Embedding is the chunk's vector, produced by the embeddings provider
	// recorded in ModelID.
	Embedding []float32

	// ModelID tags the embedding model so rows from a stale model can be
	// detected and re-embedded.
	ModelID string

	// CreatedAt is when the chunk was indexed.
	CreatedAt time.Time
}

// Result is one search hit.
type Result struct {
	Chunk Chunk

	// Score is cosine similarity mapped to [0,1]; higher is more similar.
	Score float64
}

// Store is the abstraction over any vector-capable chunk store.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Upsert inserts or replaces chunks. Every chunk must carry a non-empty
	// UserID; a violation fails the whole batch.
	Upsert(ctx context.Context, chunks []Chunk) error

	// Search returns up to topK chunks owned by userID, ordered by
	// descending Score, dropping hits below minScore. Empty userID is an
	// error, never an unfiltered search.
	Search(ctx context.Context, userID string, embedding []float32, topK int, minScore float64) ([]Result, error)

	// DeleteUser removes every chunk owned by userID.
	DeleteUser(ctx context.Context, userID string) error

	// Ping verifies the store is reachable, for readiness checks.
	Ping(ctx context.Context) error

	// Close releases all resources.
	Close()
}
