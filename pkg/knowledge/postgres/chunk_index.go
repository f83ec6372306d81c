package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/lorekeep/lorekeep/pkg/knowledge"
)

// chunkColumns are the columns returned by every chunk query, in scan order.
// The embedding itself is never read back — retrieval consumers only need
// content and metadata.
const chunkColumns = `id, campaign_id, session_id, seq, content, speaker,
	character_name, kind, start_time, end_time, content_hash, created_at`

const upsertChunkSQL = `
INSERT INTO kb_chunks
	(id, campaign_id, session_id, seq, content, embedding, speaker,
	 character_name, kind, start_time, end_time, content_hash)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
	campaign_id    = EXCLUDED.campaign_id,
	session_id     = EXCLUDED.session_id,
	seq            = EXCLUDED.seq,
	content        = EXCLUDED.content,
	embedding      = EXCLUDED.embedding,
	speaker        = EXCLUDED.speaker,
	character_name = EXCLUDED.character_name,
	kind           = EXCLUDED.kind,
	start_time     = EXCLUDED.start_time,
	end_time       = EXCLUDED.end_time,
	content_hash   = EXCLUDED.content_hash`

// IndexChunks upserts the given chunks in a single batched round trip.
// Chunks without an embedding are stored with a NULL vector and remain
// reachable through SearchText.
func (s *Store) IndexChunks(ctx context.Context, chunks []knowledge.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("knowledge: index chunks: chunk %d of session %q has no ID", c.Seq, c.SessionID)
		}
		if c.CampaignID == "" || c.SessionID == "" {
			return fmt.Errorf("knowledge: index chunks: chunk %s lacks campaign or session", c.ID)
		}
		var emb any
		if len(c.Embedding) > 0 {
			if len(c.Embedding) != s.dims {
				return fmt.Errorf("knowledge: index chunks: chunk %s embedding has %d dimensions, store expects %d",
					c.ID, len(c.Embedding), s.dims)
			}
			emb = pgvector.NewVector(c.Embedding)
		}
		batch.Queue(upsertChunkSQL,
			c.ID, c.CampaignID, c.SessionID, c.Seq, c.Content, emb,
			c.Speaker, c.Character, c.Kind, c.StartTime, c.EndTime, c.ContentHash)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("knowledge: index chunks: %w", err)
		}
	}
	return nil
}

// Search returns the topK chunks nearest to the query embedding under
// cosine distance, restricted by the filter. Score is 1 - distance, so
// higher is more similar.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, f knowledge.Filter) ([]knowledge.Result, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("knowledge: search: query embedding is empty")
	}
	if len(embedding) != s.dims {
		return nil, fmt.Errorf("knowledge: search: query embedding has %d dimensions, store expects %d", len(embedding), s.dims)
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conds := []string{"embedding IS NOT NULL"}
	conds = append(conds, filterConds(f, next)...)

	query := fmt.Sprintf(`
SELECT %s, embedding <=> %s AS distance
FROM kb_chunks
WHERE %s
ORDER BY distance ASC
LIMIT %s`,
		chunkColumns, next(pgvector.NewVector(embedding)), strings.Join(conds, " AND "), next(topK))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Result, error) {
		var (
			c        knowledge.Chunk
			distance float64
		)
		err := scanChunk(row, &c, &distance)
		return knowledge.Result{Chunk: c, Score: 1 - distance}, err
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: collect: %w", err)
	}
	return results, nil
}

// SearchText performs full-text search over chunk content. It serves as
// the retrieval path when no embedding provider is configured, and as the
// fallback when query embedding fails. Score is the raw ts_rank.
func (s *Store) SearchText(ctx context.Context, query string, topK int, f knowledge.Filter) ([]knowledge.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("knowledge: search text: query is empty")
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	q := next(query)
	conds := []string{fmt.Sprintf("content_tsv @@ plainto_tsquery('english', %s)", q)}
	conds = append(conds, filterConds(f, next)...)

	sql := fmt.Sprintf(`
SELECT %s, ts_rank(content_tsv, plainto_tsquery('english', %s)) AS rank
FROM kb_chunks
WHERE %s
ORDER BY rank DESC
LIMIT %s`,
		chunkColumns, q, strings.Join(conds, " AND "), next(topK))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search text: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Result, error) {
		var (
			c    knowledge.Chunk
			rank float64
		)
		err := scanChunk(row, &c, &rank)
		return knowledge.Result{Chunk: c, Score: rank}, err
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: search text: collect: %w", err)
	}
	return results, nil
}

// SessionHashes returns the most recently recorded content hash per
// ingested session of the campaign.
func (s *Store) SessionHashes(ctx context.Context, campaignID string) (map[string]string, error) {
	const q = `
SELECT DISTINCT ON (session_id) session_id, content_hash
FROM kb_chunks
WHERE campaign_id = $1
ORDER BY session_id, created_at DESC`

	rows, err := s.pool.Query(ctx, q, campaignID)
	if err != nil {
		return nil, fmt.Errorf("knowledge: session hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var sessionID, hash string
		if err := rows.Scan(&sessionID, &hash); err != nil {
			return nil, fmt.Errorf("knowledge: session hashes: scan: %w", err)
		}
		hashes[sessionID] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knowledge: session hashes: %w", err)
	}
	return hashes, nil
}

// DeleteSession removes all chunks of the given session along with its
// appearance records, so the session can be re-ingested cleanly.
func (s *Store) DeleteSession(ctx context.Context, campaignID, sessionID string) error {
	const delAppearances = `
DELETE FROM kb_appearances a
USING kb_entities e
WHERE a.entity_id = e.id AND e.campaign_id = $1 AND a.session_id = $2`
	if _, err := s.pool.Exec(ctx, delAppearances, campaignID, sessionID); err != nil {
		return fmt.Errorf("knowledge: delete session appearances: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM kb_chunks WHERE campaign_id = $1 AND session_id = $2`, campaignID, sessionID); err != nil {
		return fmt.Errorf("knowledge: delete session chunks: %w", err)
	}
	return nil
}

// DeleteCampaign removes all chunks and appearance records of a campaign.
// Entities stay: the catalog is keyed by name and survives index rebuilds.
func (s *Store) DeleteCampaign(ctx context.Context, campaignID string) error {
	const delAppearances = `
DELETE FROM kb_appearances a
USING kb_entities e
WHERE a.entity_id = e.id AND e.campaign_id = $1`
	if _, err := s.pool.Exec(ctx, delAppearances, campaignID); err != nil {
		return fmt.Errorf("knowledge: delete campaign appearances: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM kb_chunks WHERE campaign_id = $1`, campaignID); err != nil {
		return fmt.Errorf("knowledge: delete campaign chunks: %w", err)
	}
	return nil
}

// Stats reports what the knowledge base holds for one campaign.
func (s *Store) Stats(ctx context.Context, campaignID string) (knowledge.Stats, error) {
	var st knowledge.Stats

	const chunkQ = `
SELECT count(*), count(embedding), count(DISTINCT session_id)
FROM kb_chunks
WHERE campaign_id = $1`
	if err := s.pool.QueryRow(ctx, chunkQ, campaignID).Scan(&st.Chunks, &st.EmbeddedChunks, &st.Sessions); err != nil {
		return knowledge.Stats{}, fmt.Errorf("knowledge: stats: chunks: %w", err)
	}

	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM kb_entities WHERE campaign_id = $1`, campaignID).Scan(&st.Entities); err != nil {
		return knowledge.Stats{}, fmt.Errorf("knowledge: stats: entities: %w", err)
	}
	return st, nil
}

// filterConds appends one condition per set filter field using the shared
// placeholder builder.
func filterConds(f knowledge.Filter, next func(any) string) []string {
	var conds []string
	if f.CampaignID != "" {
		conds = append(conds, fmt.Sprintf("campaign_id = %s", next(f.CampaignID)))
	}
	if f.SessionID != "" {
		conds = append(conds, fmt.Sprintf("session_id = %s", next(f.SessionID)))
	}
	if f.Kind != "" {
		conds = append(conds, fmt.Sprintf("kind = %s", next(f.Kind)))
	}
	if f.Speaker != "" {
		conds = append(conds, fmt.Sprintf("speaker = %s", next(f.Speaker)))
	}
	return conds
}

// scanChunk scans one chunk row plus its trailing score column.
func scanChunk(row pgx.CollectableRow, c *knowledge.Chunk, score *float64) error {
	return row.Scan(
		&c.ID, &c.CampaignID, &c.SessionID, &c.Seq, &c.Content, &c.Speaker,
		&c.Character, &c.Kind, &c.StartTime, &c.EndTime, &c.ContentHash,
		&c.CreatedAt, score)
}
