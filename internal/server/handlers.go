package server

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/artifact"
	"github.com/lorekeep/lorekeep/internal/audit"
	"github.com/lorekeep/lorekeep/internal/store"
)

// defaultPreviewLimit caps artifact previews when the request names no
// limit of its own.
const defaultPreviewLimit = 4096

// writeJSON encodes v as the response body. Encoding failures after the
// header is out can only be logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encoding failed", "error", err)
	}
}

// writeError sends a JSON error body. Messages must not leak filesystem
// paths; handlers log the detail and pass a generic message here.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeArtifactError maps artifact service errors onto HTTP statuses. The
// bodies stay generic: the wrapped errors carry relative paths only, but
// os errors can embed absolute ones, so none of them reach the client.
func writeArtifactError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, artifact.ErrPathViolation):
		writeError(w, http.StatusBadRequest, "path escapes the output root")
	case errors.Is(err, artifact.ErrNotDirectory):
		writeError(w, http.StatusBadRequest, "not a directory")
	case errors.Is(err, artifact.ErrNotPreviewable):
		writeError(w, http.StatusUnsupportedMediaType, "file type cannot be previewed")
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "artifact not found")
	default:
		slog.Error("artifact request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "artifact request failed")
	}
}

// validSessionID rejects ids that could traverse outside a session
// directory. Path values arrive percent-decoded, so a separator can appear
// even though the route matches a single segment.
func validSessionID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// --- Campaigns ---

func (s *Server) handleCampaignList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.campaigns.List())
}

type campaignCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	PartyID     string `json:"party_id,omitempty"`
}

func (s *Server) handleCampaignCreate(w http.ResponseWriter, r *http.Request) {
	var req campaignCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "campaign name must not be empty")
		return
	}

	created, err := s.campaigns.Create(store.Campaign{
		Name:        req.Name,
		Description: req.Description,
		PartyID:     req.PartyID,
	})
	switch {
	case errors.Is(err, store.ErrDuplicateName):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		slog.Error("campaign create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "campaign create failed")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleCampaignSessions(w http.ResponseWriter, r *http.Request) {
	campaign, err := s.campaigns.Resolve(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	sessions, err := s.sessions.ListByCampaign(campaign.ID)
	if err != nil {
		slog.Error("session list failed", "campaign", campaign.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "session list failed")
		return
	}
	writeJSON(w, http.StatusOK, sessionSummaries(sessions))
}

// --- Sessions ---

// sessionSummary is the list-view projection of a session: everything but
// the segments, which dominate the file size.
type sessionSummary struct {
	SessionID       string    `json:"session_id"`
	CampaignID      string    `json:"campaign_id,omitempty"`
	CampaignName    string    `json:"campaign_name,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Language        string    `json:"language,omitempty"`
	SegmentCount    int       `json:"segment_count"`
	ICRatio         float64   `json:"ic_ratio"`
	Words           int       `json:"words"`
	Summary         string    `json:"summary,omitempty"`
}

func sessionSummaries(sessions []*store.Session) []sessionSummary {
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		sum := sessionSummary{
			SessionID:       sess.SessionID,
			CampaignName:    sess.Metadata.CampaignName,
			RecordedAt:      sess.Metadata.RecordedAt,
			DurationSeconds: sess.Metadata.DurationSeconds,
			Language:        sess.Metadata.Language,
			SegmentCount:    sess.Stats.SegmentCount,
			ICRatio:         sess.Stats.ICRatio,
			Words:           sess.Stats.Words,
			Summary:         sess.Stats.Summary,
		}
		if sess.Metadata.CampaignID != nil {
			sum.CampaignID = *sess.Metadata.CampaignID
		}
		out = append(out, sum)
	}
	return out
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List()
	if err != nil {
		slog.Error("session list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session list failed")
		return
	}
	writeJSON(w, http.StatusOK, sessionSummaries(sessions))
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validSessionID(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, err := s.sessions.Read(id)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		slog.Error("session read failed", "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, "session read failed")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionNarrative(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validSessionID(id) {
		writeError(w, http.StatusNotFound, "narrative not found")
		return
	}
	data, err := os.ReadFile(s.sessions.NarrativePath(id))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "narrative not found")
		return
	case err != nil:
		slog.Error("narrative read failed", "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, "narrative read failed")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write(data)
}

// --- Conversations ---

// conversationSummary is the list-view projection of a chat thread.
type conversationSummary struct {
	ID         string    `json:"conversation_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Messages   int       `json:"messages"`
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.conversations.List()
	if err != nil {
		slog.Error("conversation list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "conversation list failed")
		return
	}
	out := make([]conversationSummary, 0, len(conversations))
	for _, conv := range conversations {
		out = append(out, conversationSummary{
			ID:         conv.ID,
			CampaignID: conv.CampaignID,
			Title:      conv.Title,
			CreatedAt:  conv.CreatedAt,
			UpdatedAt:  conv.UpdatedAt,
			Messages:   len(conv.Messages),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.Get(r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	case err != nil:
		slog.Error("conversation read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "conversation read failed")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// --- Artifacts ---

func (s *Server) handleArtifactList(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")

	var (
		entries []artifact.Entry
		err     error
	)
	if rel == "" {
		entries, err = s.artifacts.ListSessions()
	} else {
		entries, err = s.artifacts.List(rel)
	}
	if err != nil {
		writeArtifactError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleArtifactPreview(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	limit := defaultPreviewLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	preview, err := s.artifacts.Preview(rel, limit)
	if err != nil {
		writeArtifactError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// countingWriter tallies bytes passed through to the underlying writer.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (s *Server) handleArtifactZip(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	// Walk the directory before committing to a 200: once the archive
	// starts streaming the status line is gone.
	if _, err := s.artifacts.List(rel); err != nil {
		writeArtifactError(w, err)
		return
	}

	name := path.Base(path.Clean(rel)) + ".zip"
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)

	cw := &countingWriter{w: w}
	err := s.artifacts.Zip(rel, cw)

	status := audit.StatusOK
	if err != nil {
		status = audit.StatusError
		slog.Error("artifact zip failed mid-stream", "path", rel, "error", err)
	}
	s.metrics.RecordZipBytes(r.Context(), cw.n)
	s.audit.Log(audit.Event{
		Action: audit.ActionArtifactZip,
		Status: status,
		Metadata: map[string]any{
			"path":  rel,
			"bytes": cw.n,
		},
	})
}
