// Package retrieval coordinates per-turn knowledge lookup: it embeds the
// user's final transcript, searches their private knowledge base, and
// ranks the hits for prompt assembly.
//
// Retrieval is best-effort. Callers bound it with a context deadline and
// treat any error as a degrade signal, never a turn failure.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/mirrortalk/mirrortalk/pkg/knowledge"
	"github.com/mirrortalk/mirrortalk/pkg/provider/embeddings"
)

// ErrNoKnowledge reports that the user's knowledge base had no chunk above
// the similarity floor. The generation layer turns this into a grounded
// refusal rather than letting the model improvise.
var ErrNoKnowledge = errors.New("retrieval: no relevant knowledge")

// similarDuplicate is the Jaro-Winkler similarity above which two chunk
// texts are treated as the same fact said twice.
const similarDuplicate = 0.92

// Config tunes the coordinator. Zero values select the defaults.
type Config struct {
	TopK      int           // default 5
	MinScore  float64       // default 0.7
	CacheSize int           // default 1024 entries
	CacheTTL  time.Duration // default 10 minutes
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.MinScore == 0 {
		c.MinScore = 0.7
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1024
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
	}
}

// Coordinator performs embed + search + rank for one deployment. Safe for
// concurrent use across sessions.
type Coordinator struct {
	embedder embeddings.Provider
	store    knowledge.Store
	cache    *embedCache
	cfg      Config
	logger   *slog.Logger
}

// New creates a Coordinator. logger may be nil.
func New(embedder embeddings.Provider, store knowledge.Store, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		embedder: embedder,
		store:    store,
		cache:    newEmbedCache(cfg.CacheSize, cfg.CacheTTL),
		cfg:      cfg,
		logger:   logger,
	}
}

// Embed returns the embedding for text, consulting the cache first.
func (c *Coordinator) Embed(ctx context.Context, text string) ([]float32, error) {
	if v := c.cache.get(text); v != nil {
		return v, nil
	}
	v, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed: %w", err)
	}
	c.cache.put(text, v)
	return v, nil
}

// Retrieve embeds the query, searches userID's knowledge base, and returns
// ranked, de-duplicated chunks. An empty userID is refused outright; an
// empty result set returns ErrNoKnowledge.
func (c *Coordinator) Retrieve(ctx context.Context, userID, query string) ([]knowledge.Result, error) {
	if userID == "" {
		return nil, errors.New("retrieval: user ID must not be empty")
	}

	vector, err := c.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	// Over-fetch so near-duplicate collapse still fills topK.
	hits, err := c.store.Search(ctx, userID, vector, c.cfg.TopK*2, c.cfg.MinScore)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}

	ranked := RankAndMerge(hits, c.cfg.TopK)
	if len(ranked) == 0 {
		return nil, ErrNoKnowledge
	}

	c.logger.Debug("knowledge retrieved",
		"user_id", userID,
		"hits", len(hits),
		"kept", len(ranked),
		"top_score", ranked[0].Score)
	return ranked, nil
}

// sourcePriority orders chunk origins: curated FAQ answers beat document
// extracts, which beat recalled conversation history.
func sourcePriority(s knowledge.SourceType) int {
	switch s {
	case knowledge.SourceFAQ:
		return 2
	case knowledge.SourceDocument:
		return 1
	default:
		return 0
	}
}

// RankAndMerge sorts hits by source priority then score, collapses
// near-duplicate texts keeping the higher-ranked chunk, and truncates to
// topK.
func RankAndMerge(hits []knowledge.Result, topK int) []knowledge.Result {
	ranked := make([]knowledge.Result, len(hits))
	copy(ranked, hits)

	sort.SliceStable(ranked, func(i, j int) bool {
		pi, pj := sourcePriority(ranked[i].Chunk.Source), sourcePriority(ranked[j].Chunk.Source)
		if pi != pj {
			return pi > pj
		}
		return ranked[i].Score > ranked[j].Score
	})

	var kept []knowledge.Result
	for _, r := range ranked {
		if isNearDuplicate(r, kept) {
			continue
		}
		kept = append(kept, r)
		if len(kept) == topK {
			break
		}
	}
	return kept
}

func isNearDuplicate(r knowledge.Result, kept []knowledge.Result) bool {
	for _, k := range kept {
		if matchr.JaroWinkler(r.Chunk.Content, k.Chunk.Content, false) >= similarDuplicate {
			return true
		}
	}
	return false
}
