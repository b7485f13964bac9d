package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mirrortalk/mirrortalk/pkg/knowledge"
	"github.com/mirrortalk/mirrortalk/pkg/knowledge/memstore"
	embedmock "github.com/mirrortalk/mirrortalk/pkg/provider/embeddings/mock"
)

func seed(t *testing.T, s knowledge.Store, chunks ...knowledge.Chunk) {
	t.Helper()
	if err := s.Upsert(context.Background(), chunks); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestRetrieveRefusesEmptyUserID(t *testing.T) {
	c := New(&embedmock.Provider{}, memstore.New(), Config{}, nil)
	if _, err := c.Retrieve(context.Background(), "", "hello"); err == nil {
		t.Fatal("expected error for empty user ID")
	}
}

func TestRetrieveIsolatesUsers(t *testing.T) {
	embedder := &embedmock.Provider{Dims: 2, Vectors: map[string][]float32{
		"what is the refund policy": {1, 0},
	}}
	store := memstore.New()
	seed(t, store,
		knowledge.Chunk{ID: "a", UserID: "alice", Content: "refunds in 30 days", Source: knowledge.SourceFAQ, Embedding: []float32{1, 0}},
		knowledge.Chunk{ID: "b", UserID: "bob", Content: "refunds never", Source: knowledge.SourceFAQ, Embedding: []float32{1, 0}},
	)

	c := New(embedder, store, Config{MinScore: 0.5}, nil)
	results, err := c.Retrieve(context.Background(), "alice", "what is the refund policy")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for _, r := range results {
		if r.Chunk.UserID != "alice" {
			t.Errorf("leaked chunk owned by %q", r.Chunk.UserID)
		}
	}
}

func TestRetrieveNoKnowledgeMarker(t *testing.T) {
	embedder := &embedmock.Provider{Dims: 2, Vectors: map[string][]float32{
		"unrelated question": {1, 0},
	}}
	store := memstore.New()
	seed(t, store, knowledge.Chunk{
		ID: "a", UserID: "u", Content: "orthogonal fact",
		Source: knowledge.SourceDocument, Embedding: []float32{0, 1},
	})

	c := New(embedder, store, Config{MinScore: 0.7}, nil)
	_, err := c.Retrieve(context.Background(), "u", "unrelated question")
	if !errors.Is(err, ErrNoKnowledge) {
		t.Fatalf("got %v, want ErrNoKnowledge", err)
	}
}

func TestEmbedUsesCache(t *testing.T) {
	embedder := &embedmock.Provider{Dims: 2}
	c := New(embedder, memstore.New(), Config{}, nil)

	ctx := context.Background()
	if _, err := c.Embed(ctx, "hello"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if _, err := c.Embed(ctx, "hello"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got := len(embedder.Calls()); got != 1 {
		t.Errorf("provider called %d times, want 1 (second hit cached)", got)
	}
}

func TestEmbedCacheExpiry(t *testing.T) {
	cache := newEmbedCache(4, time.Minute)
	now := time.Unix(0, 0)
	cache.now = func() time.Time { return now }

	cache.put("hello", []float32{1})
	if cache.get("hello") == nil {
		t.Fatal("expected cache hit")
	}

	now = now.Add(2 * time.Minute)
	if cache.get("hello") != nil {
		t.Fatal("expected expiry after TTL")
	}
}

func TestEmbedCacheEvictsLRU(t *testing.T) {
	cache := newEmbedCache(2, time.Minute)
	cache.put("a", []float32{1})
	cache.put("b", []float32{2})
	cache.get("a") // refresh a; b is now least recently used
	cache.put("c", []float32{3})

	if cache.get("b") != nil {
		t.Error("expected b evicted")
	}
	if cache.get("a") == nil || cache.get("c") == nil {
		t.Error("expected a and c retained")
	}
	if cache.len() != 2 {
		t.Errorf("cache holds %d entries, want 2", cache.len())
	}
}

func TestRankAndMergePriorityAndDedup(t *testing.T) {
	hits := []knowledge.Result{
		{Chunk: knowledge.Chunk{ID: "doc", Content: "our refunds are processed within thirty days", Source: knowledge.SourceDocument}, Score: 0.95},
		{Chunk: knowledge.Chunk{ID: "faq", Content: "our refunds are processed within 30 days", Source: knowledge.SourceFAQ}, Score: 0.85},
		{Chunk: knowledge.Chunk{ID: "conv", Content: "you asked about shipping last week", Source: knowledge.SourceConversation}, Score: 0.9},
	}

	out := RankAndMerge(hits, 5)
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2 (near-duplicate collapsed)", len(out))
	}
	// FAQ wins over the higher-scoring near-duplicate document chunk.
	if out[0].Chunk.ID != "faq" {
		t.Errorf("first result %q, want faq", out[0].Chunk.ID)
	}
	if out[1].Chunk.ID != "conv" {
		t.Errorf("second result %q, want conv", out[1].Chunk.ID)
	}
}

func TestRankAndMergeTopK(t *testing.T) {
	hits := []knowledge.Result{
		{Chunk: knowledge.Chunk{ID: "a", Content: "alpha completely different", Source: knowledge.SourceDocument}, Score: 0.9},
		{Chunk: knowledge.Chunk{ID: "b", Content: "bravo nothing alike here", Source: knowledge.SourceDocument}, Score: 0.8},
		{Chunk: knowledge.Chunk{ID: "c", Content: "charlie a third topic entirely", Source: knowledge.SourceDocument}, Score: 0.7},
	}
	out := RankAndMerge(hits, 2)
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2", len(out))
	}
	if out[0].Chunk.ID != "a" || out[1].Chunk.ID != "b" {
		t.Errorf("wrong order: %q, %q", out[0].Chunk.ID, out[1].Chunk.ID)
	}
}
