package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lorekeep/lorekeep/internal/artifact"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/pkg/knowledge"
	"github.com/lorekeep/lorekeep/pkg/provider/embeddings"
)

const (
	defaultSearchTopK  = 8
	maxSearchTopK      = 50
	defaultPreviewSize = 4096
	maxPreviewSize     = 64 * 1024
	maxNarrativeSize   = 16 * 1024
)

// CampaignInfo is one row of the campaign_list result.
type CampaignInfo struct {
	ID          string `json:"id" jsonschema:"campaign identifier"`
	Name        string `json:"name" jsonschema:"campaign display name"`
	Description string `json:"description,omitempty" jsonschema:"campaign description"`
	Sessions    int    `json:"sessions" jsonschema:"number of processed sessions linked to this campaign"`
	CreatedAt   string `json:"created_at" jsonschema:"RFC3339 timestamp when the campaign was created"`
}

// CampaignListInput is the (empty) input of campaign_list.
type CampaignListInput struct{}

// CampaignListResult lists every registered campaign.
type CampaignListResult struct {
	Campaigns []CampaignInfo `json:"campaigns" jsonschema:"all registered campaigns"`
}

// CampaignListTool defines the campaign_list tool.
func CampaignListTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "campaign_list",
		Description: "Lists every registered campaign with its processed session count.",
	}
}

// CampaignListHandler reads the campaign registry.
func CampaignListHandler(campaigns *store.CampaignStore, sessions *store.SessionStore) mcp.ToolHandlerFor[CampaignListInput, CampaignListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ CampaignListInput) (*mcp.CallToolResult, CampaignListResult, error) {
		var result CampaignListResult
		for _, c := range campaigns.List() {
			linked, err := sessions.ListByCampaign(c.ID)
			if err != nil {
				return nil, CampaignListResult{}, fmt.Errorf("list sessions for campaign %q: %w", c.Name, err)
			}
			result.Campaigns = append(result.Campaigns, CampaignInfo{
				ID:          c.ID,
				Name:        c.Name,
				Description: c.Description,
				Sessions:    len(linked),
				CreatedAt:   c.CreatedAt.Format(time.RFC3339),
			})
		}
		return nil, result, nil
	}
}

// SessionInfo is one row of the session_list result.
type SessionInfo struct {
	ID              string  `json:"id" jsonschema:"session identifier"`
	Campaign        string  `json:"campaign,omitempty" jsonschema:"campaign display name, if the session is linked to one"`
	RecordedAt      string  `json:"recorded_at" jsonschema:"RFC3339 timestamp of the recording"`
	DurationSeconds float64 `json:"duration_seconds" jsonschema:"length of the recording in seconds"`
	Segments        int     `json:"segments" jsonschema:"number of transcript segments"`
	Words           int     `json:"words" jsonschema:"total word count across segments"`
}

// SessionListInput selects which sessions to list.
type SessionListInput struct {
	Campaign string `json:"campaign,omitempty" jsonschema:"campaign id or name to filter by; omit for all sessions"`
}

// SessionListResult lists processed sessions.
type SessionListResult struct {
	Sessions []SessionInfo `json:"sessions" jsonschema:"processed sessions, oldest first"`
}

// SessionListTool defines the session_list tool.
func SessionListTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "session_list",
		Description: "Lists processed game sessions, optionally filtered to one campaign (by id or name).",
	}
}

// SessionListHandler scans the output root for processed sessions.
func SessionListHandler(campaigns *store.CampaignStore, sessions *store.SessionStore) mcp.ToolHandlerFor[SessionListInput, SessionListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SessionListInput) (*mcp.CallToolResult, SessionListResult, error) {
		var (
			list []*store.Session
			err  error
		)
		if input.Campaign != "" {
			c, rerr := campaigns.Resolve(input.Campaign)
			if rerr != nil {
				return nil, SessionListResult{}, fmt.Errorf("resolve campaign %q: %w", input.Campaign, rerr)
			}
			list, err = sessions.ListByCampaign(c.ID)
		} else {
			list, err = sessions.List()
		}
		if err != nil {
			return nil, SessionListResult{}, fmt.Errorf("list sessions: %w", err)
		}

		var result SessionListResult
		for _, s := range list {
			result.Sessions = append(result.Sessions, SessionInfo{
				ID:              s.SessionID,
				Campaign:        s.Metadata.CampaignName,
				RecordedAt:      s.Metadata.RecordedAt.Format(time.RFC3339),
				DurationSeconds: s.Metadata.DurationSeconds,
				Segments:        s.Stats.SegmentCount,
				Words:           s.Stats.Words,
			})
		}
		return nil, result, nil
	}
}

// SpeakerInfo maps a diarization label to the table.
type SpeakerInfo struct {
	Label     string `json:"label" jsonschema:"diarization speaker label"`
	Player    string `json:"player,omitempty" jsonschema:"player name from the party roster"`
	Character string `json:"character,omitempty" jsonschema:"the player's in-world character"`
}

// SessionSummaryInput names the session to summarize.
type SessionSummaryInput struct {
	SessionID string `json:"session_id" jsonschema:"session identifier, as returned by session_list"`
}

// SessionSummaryResult is the session_summary output.
type SessionSummaryResult struct {
	ID                 string        `json:"id" jsonschema:"session identifier"`
	Campaign           string        `json:"campaign,omitempty" jsonschema:"campaign display name"`
	RecordedAt         string        `json:"recorded_at" jsonschema:"RFC3339 timestamp of the recording"`
	DurationSeconds    float64       `json:"duration_seconds" jsonschema:"length of the recording in seconds"`
	Language           string        `json:"language" jsonschema:"ISO 639-1 transcription language"`
	Segments           int           `json:"segments" jsonschema:"number of transcript segments"`
	Words              int           `json:"words" jsonschema:"total word count"`
	ICRatio            float64       `json:"ic_ratio" jsonschema:"fraction of segments spoken in character"`
	Summary            string        `json:"summary,omitempty" jsonschema:"one-paragraph recap"`
	Speakers           []SpeakerInfo `json:"speakers,omitempty" jsonschema:"speaker label to player/character mapping"`
	Narrative          string        `json:"narrative,omitempty" jsonschema:"generated narrative in markdown, when one exists"`
	NarrativeTruncated bool          `json:"narrative_truncated,omitempty" jsonschema:"true when the narrative was cut to fit the response"`
}

// SessionSummaryTool defines the session_summary tool.
func SessionSummaryTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "session_summary",
		Description: "Returns the metadata, stats, speaker map and narrative of one processed session.",
	}
}

// SessionSummaryHandler loads a session's data file and narrative.
func SessionSummaryHandler(sessions *store.SessionStore) mcp.ToolHandlerFor[SessionSummaryInput, SessionSummaryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SessionSummaryInput) (*mcp.CallToolResult, SessionSummaryResult, error) {
		if input.SessionID == "" {
			return nil, SessionSummaryResult{}, fmt.Errorf("session_id is required")
		}
		sess, err := sessions.Read(input.SessionID)
		if err != nil {
			return nil, SessionSummaryResult{}, fmt.Errorf("load session: %w", err)
		}

		result := SessionSummaryResult{
			ID:              sess.SessionID,
			Campaign:        sess.Metadata.CampaignName,
			RecordedAt:      sess.Metadata.RecordedAt.Format(time.RFC3339),
			DurationSeconds: sess.Metadata.DurationSeconds,
			Language:        sess.Metadata.Language,
			Segments:        sess.Stats.SegmentCount,
			Words:           sess.Stats.Words,
			ICRatio:         sess.Stats.ICRatio,
			Summary:         sess.Stats.Summary,
		}
		for label, id := range sess.Speakers {
			result.Speakers = append(result.Speakers, SpeakerInfo{
				Label:     label,
				Player:    id.Player,
				Character: id.Character,
			})
		}

		// The narrative lives beside the data file; absence is normal for
		// runs that skipped the narrative stage.
		if data, err := os.ReadFile(sessions.NarrativePath(input.SessionID)); err == nil {
			if len(data) > maxNarrativeSize {
				data = data[:maxNarrativeSize]
				result.NarrativeTruncated = true
			}
			result.Narrative = string(data)
		}
		return nil, result, nil
	}
}

// SearchHit is one retrieved chunk.
type SearchHit struct {
	SessionID string  `json:"session_id" jsonschema:"session the chunk came from"`
	Content   string  `json:"content" jsonschema:"chunk text"`
	Speaker   string  `json:"speaker,omitempty" jsonschema:"dominant speaker of the chunk"`
	Character string  `json:"character,omitempty" jsonschema:"in-game character, when mapped"`
	Kind      string  `json:"kind" jsonschema:"chunk kind: ic, ooc, mixed or narrative"`
	Score     float64 `json:"score" jsonschema:"retrieval score; comparable within one search only"`
}

// KnowledgeSearchInput is the knowledge_search query.
type KnowledgeSearchInput struct {
	Query    string `json:"query" jsonschema:"natural-language search query"`
	Campaign string `json:"campaign,omitempty" jsonschema:"campaign id or name to scope the search to"`
	Session  string `json:"session_id,omitempty" jsonschema:"restrict to one session"`
	Kind     string `json:"kind,omitempty" jsonschema:"restrict to a chunk kind: ic, ooc, mixed or narrative"`
	Speaker  string `json:"speaker,omitempty" jsonschema:"restrict to one speaker's chunks"`
	TopK     int    `json:"top_k,omitempty" jsonschema:"number of results, default 8, max 50"`
}

// KnowledgeSearchResult holds the ranked hits.
type KnowledgeSearchResult struct {
	Hits []SearchHit `json:"hits" jsonschema:"ranked search results, best first"`

	// Mode reports how the query was executed: "vector" or "text".
	Mode string `json:"mode" jsonschema:"retrieval mode used: vector or text"`
}

// KnowledgeSearchTool defines the knowledge_search tool.
func KnowledgeSearchTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "knowledge_search",
		Description: "Searches the ingested campaign knowledge base. Uses semantic (vector) search when an embedding provider is configured, full-text search otherwise.",
	}
}

// KnowledgeSearchHandler queries the knowledge base. A nil base makes the
// tool fail with a clear message instead of being hidden, so agents learn
// why the archive is not searchable.
func KnowledgeSearchHandler(campaigns *store.CampaignStore, kb knowledge.Base, embedder embeddings.Provider) mcp.ToolHandlerFor[KnowledgeSearchInput, KnowledgeSearchResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input KnowledgeSearchInput) (*mcp.CallToolResult, KnowledgeSearchResult, error) {
		if kb == nil {
			return nil, KnowledgeSearchResult{}, errors.New("knowledge base is not configured; set knowledge.db_dsn and run ingest first")
		}
		if input.Query == "" {
			return nil, KnowledgeSearchResult{}, fmt.Errorf("query is required")
		}

		topK := input.TopK
		if topK <= 0 {
			topK = defaultSearchTopK
		}
		if topK > maxSearchTopK {
			topK = maxSearchTopK
		}

		filter := knowledge.Filter{
			SessionID: input.Session,
			Kind:      input.Kind,
			Speaker:   input.Speaker,
		}
		if input.Campaign != "" {
			c, err := campaigns.Resolve(input.Campaign)
			if err != nil {
				return nil, KnowledgeSearchResult{}, fmt.Errorf("resolve campaign %q: %w", input.Campaign, err)
			}
			filter.CampaignID = c.ID
		}

		var (
			hits []knowledge.Result
			mode string
			err  error
		)
		if embedder != nil {
			var vec []float32
			vec, err = embedder.Embed(ctx, input.Query)
			if err != nil {
				return nil, KnowledgeSearchResult{}, fmt.Errorf("embed query: %w", err)
			}
			hits, err = kb.Search(ctx, vec, topK, filter)
			mode = "vector"
		} else {
			hits, err = kb.SearchText(ctx, input.Query, topK, filter)
			mode = "text"
		}
		if err != nil {
			return nil, KnowledgeSearchResult{}, fmt.Errorf("search: %w", err)
		}

		result := KnowledgeSearchResult{Mode: mode}
		for _, h := range hits {
			result.Hits = append(result.Hits, SearchHit{
				SessionID: h.Chunk.SessionID,
				Content:   h.Chunk.Content,
				Speaker:   h.Chunk.Speaker,
				Character: h.Chunk.Character,
				Kind:      h.Chunk.Kind,
				Score:     h.Score,
			})
		}
		return nil, result, nil
	}
}

// ArtifactPreviewInput names the file to preview.
type ArtifactPreviewInput struct {
	Path  string `json:"path" jsonschema:"artifact path relative to the output root, e.g. session-20250101-190000/narrative.md"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum bytes to return, default 4096, max 65536"`
}

// ArtifactPreviewResult is a bounded excerpt of one artifact.
type ArtifactPreviewResult struct {
	Content   string `json:"content" jsonschema:"file text, cut to the requested limit"`
	Truncated bool   `json:"truncated" jsonschema:"true when the file is larger than the excerpt"`
	Size      int64  `json:"size" jsonschema:"full size of the file in bytes"`
}

// ArtifactPreviewTool defines the artifact_preview tool.
func ArtifactPreviewTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "artifact_preview",
		Description: "Returns a bounded text excerpt of one output artifact (transcript, narrative, session data). Paths are confined to the output root.",
	}
}

// ArtifactPreviewHandler reads through the sandboxed artifact service, so
// path traversal and binary files are rejected before any I/O.
func ArtifactPreviewHandler(artifacts *artifact.Service) mcp.ToolHandlerFor[ArtifactPreviewInput, ArtifactPreviewResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ArtifactPreviewInput) (*mcp.CallToolResult, ArtifactPreviewResult, error) {
		if input.Path == "" {
			return nil, ArtifactPreviewResult{}, fmt.Errorf("path is required")
		}
		limit := input.Limit
		if limit <= 0 {
			limit = defaultPreviewSize
		}
		if limit > maxPreviewSize {
			limit = maxPreviewSize
		}

		p, err := artifacts.Preview(input.Path, limit)
		if err != nil {
			return nil, ArtifactPreviewResult{}, fmt.Errorf("preview %q: %w", input.Path, err)
		}
		return nil, ArtifactPreviewResult{
			Content:   p.Content,
			Truncated: p.Truncated,
			Size:      p.Size,
		}, nil
	}
}
