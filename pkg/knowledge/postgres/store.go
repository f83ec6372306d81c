// Package postgres implements the campaign knowledge base on PostgreSQL
// with the pgvector extension. A single [Store] satisfies both
// [knowledge.ChunkIndex] and [knowledge.EntityCatalog] over one connection
// pool; Migrate runs on startup so a pointed-at database is ready to use
// without manual setup.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/lorekeep/lorekeep/pkg/knowledge"
)

var (
	_ knowledge.ChunkIndex    = (*Store)(nil)
	_ knowledge.EntityCatalog = (*Store)(nil)
	_ knowledge.Base          = (*Store)(nil)
)

// defaultTopK is used when a search is issued without a positive limit.
const defaultTopK = 10

// Store is the PostgreSQL-backed knowledge base. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	dims int
}

// NewStore connects to the PostgreSQL database at dsn, ensures the pgvector
// extension and all knowledge base tables exist, and registers pgvector
// types on every pooled connection.
//
// embeddingDimensions must match the output width of the configured
// embedding model (e.g. 768 for nomic-embed-text). If the database already
// holds chunks of a different width, NewStore returns an error rather than
// letting searches fail later with a dimension mismatch.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("knowledge: postgres DSN must not be empty")
	}
	if embeddingDimensions <= 0 {
		return nil, fmt.Errorf("knowledge: embedding dimensions must be positive, got %d", embeddingDimensions)
	}

	// The vector type must exist before RegisterTypes can load it, so the
	// extension is created over a bare connection before the pool opens.
	if err := ensureExtension(ctx, dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge: parse postgres dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge: ping postgres: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, err
	}

	width, err := embeddingWidth(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if width != embeddingDimensions {
		pool.Close()
		return nil, fmt.Errorf(
			"knowledge: kb_chunks.embedding is vector(%d) but the embedding model produces %d dimensions; drop the chunk table and re-ingest, or configure the original model",
			width, embeddingDimensions)
	}

	return &Store{pool: pool, dims: embeddingDimensions}, nil
}

// ensureExtension enables pgvector over a short-lived plain connection.
func ensureExtension(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("knowledge: connect postgres: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("knowledge: create vector extension: %w", err)
	}
	return nil
}

// Dimensions returns the embedding width the store was opened with.
func (s *Store) Dimensions() int { return s.dims }

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("knowledge: ping postgres: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// isNoRows reports whether err is pgx's no-rows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
