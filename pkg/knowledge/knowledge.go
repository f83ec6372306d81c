// Package knowledge defines the interfaces for Lorekeep's campaign
// knowledge base: a chunk index holding embedded transcript and narrative
// excerpts for retrieval, and an entity catalog tracking the people,
// places and things that appear across sessions.
//
// The canonical implementation is PostgreSQL with pgvector (see the
// postgres subpackage). A knowledge base is optional — commands that
// retrieve context degrade to text search or skip retrieval entirely when
// no database is configured.
package knowledge

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Chunks
// ─────────────────────────────────────────────────────────────────────────────

// Chunk is a retrievable excerpt of a processed session: a run of
// transcript utterances or a narrative section, with optional embedding.
type Chunk struct {
	// ID is a ULID assigned at ingest time.
	ID string
	// CampaignID scopes the chunk to a campaign.
	CampaignID string
	// SessionID names the session the chunk was extracted from.
	SessionID string
	// Seq orders chunks within their session.
	Seq int
	// Content is the chunk text as it should be shown to a model or user.
	Content string
	// Embedding is the content vector. Nil when the chunk was ingested
	// without an embedding provider; such chunks are reachable through
	// text search only.
	Embedding []float32
	// Speaker is the display name of the dominant speaker, if any.
	Speaker string
	// Character is the in-game character name when the speaker is mapped.
	Character string
	// Kind classifies the chunk: "ic", "ooc", "mixed" or "narrative".
	Kind string
	// StartTime and EndTime bound the chunk in seconds from session start.
	// Zero for narrative chunks.
	StartTime float64
	EndTime   float64
	// ContentHash is the sha256 of the source session content at ingest
	// time. All chunks of one ingest run share the same hash; it lets
	// re-ingestion skip sessions whose content has not changed.
	ContentHash string
	// CreatedAt is set by the store on insert.
	CreatedAt time.Time
}

// Filter restricts search results. Zero-value fields are ignored.
type Filter struct {
	CampaignID string
	SessionID  string
	// Kind matches the chunk kind exactly ("ic", "ooc", "mixed", "narrative").
	Kind string
	// Speaker matches the speaker display name exactly.
	Speaker string
}

// Result is a chunk with its retrieval score. For vector search the score
// is cosine similarity in [0,1]; for text search it is the FTS rank.
// Results are comparable within one search call, not across calls.
type Result struct {
	Chunk Chunk
	Score float64
}

// Stats summarizes what the knowledge base holds for one campaign.
type Stats struct {
	// Chunks is the total number of indexed chunks.
	Chunks int
	// EmbeddedChunks counts chunks that carry an embedding.
	EmbeddedChunks int
	// Sessions counts distinct ingested sessions.
	Sessions int
	// Entities counts catalog entries.
	Entities int
}

// ChunkIndex stores and retrieves session chunks.
type ChunkIndex interface {
	// IndexChunks upserts a batch of chunks keyed by ID. Chunks from the
	// same session are typically written in one call.
	IndexChunks(ctx context.Context, chunks []Chunk) error

	// Search returns the topK chunks nearest to the query embedding,
	// restricted by the filter, ordered by descending score.
	Search(ctx context.Context, embedding []float32, topK int, f Filter) ([]Result, error)

	// SearchText performs full-text search over chunk content with the
	// same filter semantics as Search. It is the retrieval path when no
	// embedding provider is configured.
	SearchText(ctx context.Context, query string, topK int, f Filter) ([]Result, error)

	// SessionHashes returns the content hash recorded for each ingested
	// session of a campaign, keyed by session ID. Re-ingestion uses it to
	// skip sessions whose content is unchanged.
	SessionHashes(ctx context.Context, campaignID string) (map[string]string, error)

	// DeleteSession removes all chunks and appearance records of one
	// session. Used before re-ingesting a session.
	DeleteSession(ctx context.Context, campaignID, sessionID string) error

	// DeleteCampaign removes all chunks and appearance records of a
	// campaign. Entities are kept; they are stable across rebuilds.
	DeleteCampaign(ctx context.Context, campaignID string) error

	// Stats reports index counts for a campaign.
	Stats(ctx context.Context, campaignID string) (Stats, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Entities
// ─────────────────────────────────────────────────────────────────────────────

// Entity is a named campaign element: an NPC, location, item, faction or
// plot thread. Entities are keyed by case-insensitive name within their
// campaign, so "Thrag" and "thrag" resolve to the same entry.
type Entity struct {
	// ID is a UUID assigned by the store on first upsert.
	ID string
	// CampaignID scopes the entity to a campaign.
	CampaignID string
	// Name is the canonical display name.
	Name string
	// Kind classifies the entity: "npc", "location", "item", "faction",
	// "quest" or whatever the extractor emits.
	Kind string
	// Aliases are alternate spellings and nicknames, used by the
	// proper-noun corrector alongside the canonical name.
	Aliases []string
	// Description is a short free-text summary, refined as sessions
	// accumulate.
	Description string
	// Attributes carries extractor-specific details (e.g. disposition,
	// first location seen). Merged on upsert, not replaced.
	Attributes map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntityFilter restricts FindEntities. Zero-value fields are ignored.
type EntityFilter struct {
	CampaignID string
	// Kind matches exactly.
	Kind string
	// Name matches canonical names case-insensitively as a substring.
	Name string
	// Limit caps the result count. 0 means the store default.
	Limit int
}

// Appearance records that an entity was mentioned in a session.
type Appearance struct {
	EntityID  string
	SessionID string
	// Mentions is how often the entity came up in the session.
	Mentions int
	// LastSeen is when the appearance was last recorded.
	LastSeen time.Time
}

// EntityCatalog tracks campaign entities and where they appear.
type EntityCatalog interface {
	// UpsertEntity inserts or updates an entity keyed by
	// (campaign, lower(name)). Empty fields on the incoming entity leave
	// the stored values untouched; aliases are unioned, attributes merged,
	// and the name keeps its first-recorded casing. Returns the stored
	// entity including its ID.
	UpsertEntity(ctx context.Context, e Entity) (*Entity, error)

	// GetEntity resolves a canonical name or alias within a campaign,
	// case-insensitively. Returns (nil, nil) when no such entity exists.
	GetEntity(ctx context.Context, campaignID, name string) (*Entity, error)

	// FindEntities lists entities matching a filter, ordered by name.
	FindEntities(ctx context.Context, f EntityFilter) ([]Entity, error)

	// RecordAppearance notes that an entity was mentioned in a session.
	// Recording again for the same (entity, session) replaces the mention
	// count, so re-ingesting a session does not double-count.
	RecordAppearance(ctx context.Context, entityID, sessionID string, mentions int) error

	// Appearances lists the sessions an entity appeared in.
	Appearances(ctx context.Context, entityID string) ([]Appearance, error)

	// Names returns every canonical name and alias known for a campaign,
	// deduplicated and sorted. The proper-noun corrector uses this as its
	// lexicon.
	Names(ctx context.Context, campaignID string) ([]string, error)
}

// Base combines both knowledge base facets. The postgres Store implements
// it; consumers that only need one side should accept the narrower
// interface.
type Base interface {
	ChunkIndex
	EntityCatalog
}
