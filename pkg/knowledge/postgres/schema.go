package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema DDL. All statements are idempotent so Migrate can run on every
// startup.
//
// kb_chunks carries a generated tsvector column so text search does not
// recompute to_tsvector per row, and an HNSW index for cosine search over
// the embeddings. kb_entities enforces the case-insensitive name key via a
// unique expression index, which is also the ON CONFLICT target of the
// entity upsert.

const ddlEntities = `
CREATE TABLE IF NOT EXISTS kb_entities (
	id          TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL,
	name        TEXT NOT NULL,
	kind        TEXT NOT NULL DEFAULT '',
	aliases     TEXT[] NOT NULL DEFAULT '{}',
	description TEXT NOT NULL DEFAULT '',
	attributes  JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlEntitiesNameKey = `
CREATE UNIQUE INDEX IF NOT EXISTS kb_entities_name_key
	ON kb_entities (campaign_id, lower(name))`

const ddlEntitiesCampaignIdx = `
CREATE INDEX IF NOT EXISTS kb_entities_campaign_idx
	ON kb_entities (campaign_id, kind)`

const ddlAppearances = `
CREATE TABLE IF NOT EXISTS kb_appearances (
	entity_id  TEXT NOT NULL REFERENCES kb_entities(id) ON DELETE CASCADE,
	session_id TEXT NOT NULL,
	mentions   INT NOT NULL DEFAULT 1,
	last_seen  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_id, session_id)
)`

// ddlChunks returns the chunk table and index statements. The embedding
// column is dimensioned at migration time; see Migrate.
func ddlChunks(embeddingDimensions int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS kb_chunks (
	id             TEXT PRIMARY KEY,
	campaign_id    TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	seq            INT NOT NULL DEFAULT 0,
	content        TEXT NOT NULL,
	embedding      vector(%d),
	speaker        TEXT NOT NULL DEFAULT '',
	character_name TEXT NOT NULL DEFAULT '',
	kind           TEXT NOT NULL DEFAULT '',
	start_time     DOUBLE PRECISION NOT NULL DEFAULT 0,
	end_time       DOUBLE PRECISION NOT NULL DEFAULT 0,
	content_hash   TEXT NOT NULL DEFAULT '',
	content_tsv    tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`, embeddingDimensions),
		`CREATE INDEX IF NOT EXISTS kb_chunks_session_idx
	ON kb_chunks (campaign_id, session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS kb_chunks_embedding_idx
	ON kb_chunks USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS kb_chunks_tsv_idx
	ON kb_chunks USING gin (content_tsv)`,
	}
}

// Migrate creates all knowledge base tables, indexes and the pgvector
// extension if they do not exist yet. It is safe to call on every startup.
//
// embeddingDimensions fixes the width of kb_chunks.embedding. Changing the
// embedding model later requires dropping the chunk table and re-ingesting;
// NewStore fails fast when the stored width disagrees with the configured
// one.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	stmts := []string{ddlEntities, ddlEntitiesNameKey, ddlEntitiesCampaignIdx, ddlAppearances}
	stmts = append(stmts, ddlChunks(embeddingDimensions)...)
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("knowledge: migrate: %w", err)
		}
	}
	return nil
}

// embeddingWidth reads the declared dimension of kb_chunks.embedding from
// the catalog. For pgvector columns the type modifier is the dimension.
func embeddingWidth(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	const q = `
SELECT atttypmod FROM pg_attribute
WHERE attrelid = 'kb_chunks'::regclass AND attname = 'embedding'`
	var width int
	if err := pool.QueryRow(ctx, q).Scan(&width); err != nil {
		return 0, fmt.Errorf("knowledge: read embedding width: %w", err)
	}
	return width, nil
}
