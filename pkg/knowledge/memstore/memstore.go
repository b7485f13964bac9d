// Package memstore provides an in-memory knowledge.Store for tests and
// single-process deployments without PostgreSQL. Search is exact cosine
// similarity over all of a user's chunks.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/mirrortalk/mirrortalk/pkg/knowledge"
)

var _ knowledge.Store = (*Store)(nil)

// Store is an in-memory implementation of knowledge.Store, safe for
// concurrent use.
type Store struct {
	mu     sync.RWMutex
	chunks map[string]knowledge.Chunk // keyed by chunk ID
	closed bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{chunks: make(map[string]knowledge.Chunk)}
}

// Upsert implements knowledge.Store.
func (s *Store) Upsert(ctx context.Context, chunks []knowledge.Chunk) error {
	for _, c := range chunks {
		if c.UserID == "" {
			return fmt.Errorf("knowledge memstore: chunk %q has empty user_id", c.ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return nil
}

// Search implements knowledge.Store.
func (s *Store) Search(ctx context.Context, userID string, embedding []float32, topK int, minScore float64) ([]knowledge.Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("knowledge memstore: search requires a user_id")
	}
	if topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []knowledge.Result
	for _, c := range s.chunks {
		if c.UserID != userID {
			continue
		}
		score := cosineSimilarity(embedding, c.Embedding)
		if score < minScore {
			continue
		}
		results = append(results, knowledge.Result{Chunk: c, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// DeleteUser implements knowledge.Store.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("knowledge memstore: delete requires a user_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.UserID == userID {
			delete(s.chunks, id)
		}
	}
	return nil
}

// Ping implements knowledge.Store.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("knowledge memstore: closed")
	}
	return nil
}

// Close implements knowledge.Store.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is zero-length or the dimensions differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
