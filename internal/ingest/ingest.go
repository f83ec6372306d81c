// Package ingest feeds processed sessions into the campaign knowledge base:
// transcript and narrative content is chunked, embedded, and indexed, and
// entity appearances are recorded for the catalog.
//
// Ingestion is content-addressed. Every chunk of a run carries the sha256 of
// the session's segments; IngestCampaign compares that hash against what the
// index already holds and skips sessions whose transcript has not changed.
// Re-ingesting a session deletes its old chunks first, so the index never
// holds two generations of the same content.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/lorekeep/lorekeep/internal/audit"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/pkg/knowledge"
	"github.com/lorekeep/lorekeep/pkg/provider/embeddings"
	"github.com/lorekeep/lorekeep/pkg/types"
)

const (
	defaultEmbedBatchSize = 64
	defaultConcurrency    = 4
)

// Config assembles an [Ingester]. Index and Sessions are required; the rest
// degrade gracefully when absent.
type Config struct {
	// Index receives the chunks.
	Index knowledge.ChunkIndex

	// Catalog, when set, has entity appearances recorded against it.
	Catalog knowledge.EntityCatalog

	// Embedder vectorizes chunk content. Without one, chunks are stored
	// for text search only.
	Embedder embeddings.Provider

	// Sessions locates session data and narrative files.
	Sessions *store.SessionStore

	// Audit receives one event per ingested session. Nil disables auditing.
	Audit audit.Logger

	// Chunker's zero value applies the default budgets.
	Chunker Chunker

	// EmbedBatchSize caps texts per EmbedBatch call. Default 64.
	EmbedBatchSize int

	// Concurrency bounds parallel embedding batches. Default 4.
	Concurrency int
}

// SessionReport sums one session's ingestion.
type SessionReport struct {
	SessionID string
	Chunks    int
	// Embedded counts chunks that received a vector.
	Embedded int
	// Entities counts catalog entities whose appearance was recorded.
	Entities int
}

// CampaignReport sums an IngestCampaign run.
type CampaignReport struct {
	CampaignID string
	// Sessions is how many sessions were examined.
	Sessions int
	Ingested int
	// Skipped counts sessions whose content hash was already indexed.
	Skipped int
	// Failed counts sessions that errored; the run continues past them.
	Failed int
	// Chunks totals chunks written across all ingested sessions.
	Chunks int
}

// Ingester writes processed sessions into the knowledge base. Safe for
// concurrent use.
type Ingester struct {
	index       knowledge.ChunkIndex
	catalog     knowledge.EntityCatalog
	embedder    embeddings.Provider
	sessions    *store.SessionStore
	audit       audit.Logger
	chunker     Chunker
	batchSize   int
	concurrency int
}

// New validates cfg and returns an [Ingester].
func New(cfg Config) (*Ingester, error) {
	if cfg.Index == nil {
		return nil, errors.New("ingest: chunk index is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("ingest: session store is required")
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = defaultEmbedBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	return &Ingester{
		index:       cfg.Index,
		catalog:     cfg.Catalog,
		embedder:    cfg.Embedder,
		sessions:    cfg.Sessions,
		audit:       cfg.Audit,
		chunker:     cfg.Chunker,
		batchSize:   cfg.EmbedBatchSize,
		concurrency: cfg.Concurrency,
	}, nil
}

// IngestSession reads, chunks, embeds and indexes one session, replacing
// whatever the index held for it before.
func (ing *Ingester) IngestSession(ctx context.Context, sessionID string) (SessionReport, error) {
	sess, err := ing.sessions.Read(sessionID)
	if err != nil {
		return SessionReport{}, err
	}
	return ing.Ingest(ctx, sess)
}

// IngestCampaign ingests every session of a campaign, skipping those whose
// segment hash the index already holds. With rebuild, the campaign's chunks
// are deleted first and everything is re-ingested. Per-session failures are
// counted and logged; only context cancellation aborts the run.
func (ing *Ingester) IngestCampaign(ctx context.Context, campaignID string, rebuild bool) (CampaignReport, error) {
	rep := CampaignReport{CampaignID: campaignID}

	if rebuild {
		if err := ing.index.DeleteCampaign(ctx, campaignID); err != nil {
			return rep, fmt.Errorf("ingest: rebuild: %w", err)
		}
	}

	indexed, err := ing.index.SessionHashes(ctx, campaignID)
	if err != nil {
		return rep, fmt.Errorf("ingest: session hashes: %w", err)
	}

	list, err := ing.sessions.ListByCampaign(campaignID)
	if err != nil {
		return rep, err
	}
	for _, sess := range list {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Sessions++

		if indexed[sess.SessionID] == hashSegments(sess.Segments) {
			rep.Skipped++
			continue
		}
		srep, err := ing.Ingest(ctx, sess)
		if err != nil {
			rep.Failed++
			slog.Warn("session ingestion failed", "session", sess.SessionID, "error", err)
			continue
		}
		rep.Ingested++
		rep.Chunks += srep.Chunks
	}
	return rep, nil
}

// Ingest writes one already-loaded session into the knowledge base. The
// pipeline calls it directly with the session it is still assembling, before
// the data file lands on disk.
func (ing *Ingester) Ingest(ctx context.Context, sess *store.Session) (SessionReport, error) {
	rep := SessionReport{SessionID: sess.SessionID}

	if sess.Metadata.CampaignID == nil {
		return rep, fmt.Errorf("ingest: session %q has no campaign; run `lorekeep campaigns migrate-sessions` first", sess.SessionID)
	}
	campaignID := *sess.Metadata.CampaignID

	chunks := ing.chunker.ChunkTranscript(sess.Segments)
	chunks = append(chunks, ing.narrativeChunks(sess.SessionID)...)

	hash := hashSegments(sess.Segments)
	for i := range chunks {
		chunks[i].ID = ulid.Make().String()
		chunks[i].CampaignID = campaignID
		chunks[i].SessionID = sess.SessionID
		chunks[i].Seq = i
		chunks[i].ContentHash = hash
	}
	rep.Chunks = len(chunks)

	if ing.embedder != nil {
		embedded, err := ing.embedChunks(ctx, chunks)
		if err != nil {
			return rep, err
		}
		rep.Embedded = embedded
	} else {
		slog.Warn("no embeddings provider configured, chunks will be text-searchable only",
			"session", sess.SessionID)
	}

	if err := ing.index.DeleteSession(ctx, campaignID, sess.SessionID); err != nil {
		return rep, fmt.Errorf("ingest: delete stale chunks: %w", err)
	}
	if err := ing.index.IndexChunks(ctx, chunks); err != nil {
		return rep, fmt.Errorf("ingest: index chunks: %w", err)
	}

	if ing.catalog != nil {
		entities, err := ing.recordAppearances(ctx, campaignID, sess.SessionID, sess.Segments)
		if err != nil {
			// Appearance tracking enriches the catalog; losing it does
			// not invalidate the indexed chunks.
			slog.Warn("recording entity appearances failed", "session", sess.SessionID, "error", err)
		}
		rep.Entities = entities
	}

	ing.audit.Log(audit.Event{
		Action: audit.ActionIngestSession,
		Status: audit.StatusOK,
		Metadata: map[string]any{
			"session_id":  sess.SessionID,
			"campaign_id": campaignID,
			"chunks":      rep.Chunks,
			"embedded":    rep.Embedded,
			"entities":    rep.Entities,
		},
	})
	return rep, nil
}

// narrativeChunks loads and chunks the session's narrative, if one exists.
func (ing *Ingester) narrativeChunks(sessionID string) []knowledge.Chunk {
	n, err := store.ReadNarrative(ing.sessions.NarrativePath(sessionID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		slog.Warn("narrative unreadable, ingesting transcript only",
			"session", sessionID, "error", err)
		return nil
	}
	return ing.chunker.ChunkNarrative(n.Body)
}

// embedChunks fills Embedding on each chunk, batching requests through a
// bounded errgroup. Batches write to disjoint chunk ranges, so no locking
// is needed.
func (ing *Ingester) embedChunks(ctx context.Context, chunks []knowledge.Chunk) (int, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.concurrency)
	for start := 0; start < len(texts); start += ing.batchSize {
		end := min(start+ing.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := ing.embedder.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("ingest: embed batch at %d: %w", start, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("ingest: embed batch at %d: %d vectors for %d texts", start, len(vecs), end-start)
			}
			for i, v := range vecs {
				chunks[start+i].Embedding = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	embedded := 0
	for _, c := range chunks {
		if len(c.Embedding) > 0 {
			embedded++
		}
	}
	return embedded, nil
}

// recordAppearances counts word-bounded mentions of every catalog name in
// the transcript and records them per entity. Aliases count toward their
// entity's total.
func (ing *Ingester) recordAppearances(ctx context.Context, campaignID, sessionID string, segments []types.Segment) (int, error) {
	names, err := ing.catalog.Names(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	for _, seg := range segments {
		sb.WriteString(strings.ToLower(seg.Text))
		sb.WriteByte('\n')
	}
	haystack := sb.String()

	mentions := make(map[string]int)
	for _, name := range names {
		n := countName(haystack, strings.ToLower(name))
		if n == 0 {
			continue
		}
		e, err := ing.catalog.GetEntity(ctx, campaignID, name)
		if err != nil {
			return 0, err
		}
		if e == nil {
			continue
		}
		mentions[e.ID] += n
	}

	for id, n := range mentions {
		if err := ing.catalog.RecordAppearance(ctx, id, sessionID, n); err != nil {
			return len(mentions), err
		}
	}
	return len(mentions), nil
}

// hashSegments fingerprints transcript content. Any change to text,
// speakers, or classification produces a new hash.
func hashSegments(segments []types.Segment) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, seg := range segments {
		// Encoding a plain struct to a hash cannot fail.
		_ = enc.Encode(seg)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// countName counts word-bounded occurrences of name in haystack. Both must
// already be lowercased. Boundaries are rune-based so accented names match
// correctly.
func countName(haystack, name string) int {
	if name == "" {
		return 0
	}
	count := 0
	for start := 0; ; {
		idx := strings.Index(haystack[start:], name)
		if idx < 0 {
			return count
		}
		idx += start
		if nameBoundary(haystack, idx, true) && nameBoundary(haystack, idx+len(name), false) {
			count++
			start = idx + len(name)
		} else {
			start = idx + 1
		}
	}
}

// nameBoundary reports whether idx sits on a word boundary. before selects
// which side of the match idx describes.
func nameBoundary(s string, idx int, before bool) bool {
	if idx == 0 || idx >= len(s) {
		return true
	}
	var r rune
	if before {
		r, _ = utf8.DecodeLastRuneInString(s[:idx])
	} else {
		r, _ = utf8.DecodeRuneInString(s[idx:])
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
