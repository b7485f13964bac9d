// Package postgres provides a PostgreSQL-backed knowledge.Store using the
// pgvector extension for approximate nearest-neighbour search.
//
// The chunks table carries a mandatory user_id column; every query filters
// on it so one user's knowledge can never leak into another's retrieval.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/mirrortalk/mirrortalk/pkg/knowledge"
)

var _ knowledge.Store = (*Store)(nil)

// Store is a PostgreSQL + pgvector implementation of knowledge.Store.
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool to the database at dsn, registers
// pgvector types on every connection, and runs Migrate.
//
// embeddingDimensions must match the embeddings provider's Dimensions().
// Changing it after the first migration requires a manual schema change.
func New(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge postgres: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("knowledge postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge postgres: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate installs the pgvector extension and creates the chunks table and
// its indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("knowledge postgres: embeddingDimensions must be positive, got %d", embeddingDimensions)
	}

	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_chunks (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    source_type TEXT         NOT NULL,
    embedding   VECTOR(%d)   NOT NULL,
    model_id    TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_user_id
    ON knowledge_chunks (user_id);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_embedding
    ON knowledge_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("knowledge postgres: apply schema: %w", err)
	}
	return nil
}

// Upsert implements knowledge.Store.
func (s *Store) Upsert(ctx context.Context, chunks []knowledge.Chunk) error {
	for _, c := range chunks {
		if c.UserID == "" {
			return fmt.Errorf("knowledge postgres: chunk %q has empty user_id", c.ID)
		}
	}

	const q = `
		INSERT INTO knowledge_chunks
		    (id, user_id, content, source_type, embedding, model_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    user_id     = EXCLUDED.user_id,
		    content     = EXCLUDED.content,
		    source_type = EXCLUDED.source_type,
		    embedding   = EXCLUDED.embedding,
		    model_id    = EXCLUDED.model_id,
		    created_at  = EXCLUDED.created_at`

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(q,
			c.ID,
			c.UserID,
			c.Content,
			string(c.Source),
			pgvector.NewVector(c.Embedding),
			c.ModelID,
			c.CreatedAt,
		)
	}

	res := s.pool.SendBatch(ctx, batch)
	defer res.Close()
	for range chunks {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("knowledge postgres: upsert: %w", err)
		}
	}
	return nil
}

// Search implements knowledge.Store. The user_id filter is part of the SQL
// itself so the database never ranks another user's chunks.
func (s *Store) Search(ctx context.Context, userID string, embedding []float32, topK int, minScore float64) ([]knowledge.Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("knowledge postgres: search requires a user_id")
	}
	if topK <= 0 {
		return nil, nil
	}

	// Cosine distance d in [0,2]; score = 1 - d, so minScore sm maps to a
	// maximum distance of 1 - sm.
	const q = `
		SELECT id, user_id, content, source_type, embedding, model_id, created_at,
		       embedding <=> $2 AS distance
		FROM   knowledge_chunks
		WHERE  user_id = $1
		  AND  embedding <=> $2 <= $3
		ORDER  BY distance
		LIMIT  $4`

	rows, err := s.pool.Query(ctx, q, userID, pgvector.NewVector(embedding), 1-minScore, topK)
	if err != nil {
		return nil, fmt.Errorf("knowledge postgres: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Result, error) {
		var (
			r        knowledge.Result
			vec      pgvector.Vector
			source   string
			distance float64
		)
		if err := row.Scan(
			&r.Chunk.ID,
			&r.Chunk.UserID,
			&r.Chunk.Content,
			&source,
			&vec,
			&r.Chunk.ModelID,
			&r.Chunk.CreatedAt,
			&distance,
		); err != nil {
			return knowledge.Result{}, err
		}
		r.Chunk.Source = knowledge.SourceType(source)
		r.Chunk.Embedding = vec.Slice()
		r.Score = 1 - distance
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge postgres: collect results: %w", err)
	}
	return results, nil
}

// DeleteUser implements knowledge.Store.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("knowledge postgres: delete requires a user_id")
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM knowledge_chunks WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("knowledge postgres: delete user: %w", err)
	}
	return nil
}

// Ping implements knowledge.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements knowledge.Store.
func (s *Store) Close() {
	s.pool.Close()
}
