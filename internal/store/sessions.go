package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/pkg/types"
)

// SessionSchemaVersion is stamped into every session data file on write.
// Version 1 files (no schema_version field, no campaign_id key) are still
// readable; the migrate commands bring them up to date.
const SessionSchemaVersion = 2

// SessionMeta describes how and when a session was recorded and processed.
type SessionMeta struct {
	// CampaignID links the session to a campaign. Nil for sessions
	// processed before campaigns existed or never assigned to one.
	CampaignID *string `json:"campaign_id"`

	// CampaignName is the display name frozen when the session was tagged.
	CampaignName string `json:"campaign_name,omitempty"`

	// PartyID names the roster used for speaker attribution, if any.
	PartyID *string `json:"party_id"`

	// RecordedAt is when the session took place (taken from the audio
	// file's modification time unless overridden).
	RecordedAt time.Time `json:"recorded_at"`

	// ProcessedAt is when the pipeline produced this file.
	ProcessedAt time.Time `json:"processed_at"`

	// AudioFiles lists the input recordings, in the order given.
	AudioFiles []string `json:"audio_files"`

	// DurationSeconds is the length of the recording.
	DurationSeconds float64 `json:"duration_seconds"`

	// Language is the ISO 639-1 transcription language.
	Language string `json:"language"`

	// STTBackend and LLMBackend record which providers produced the
	// transcript and its derived text.
	STTBackend string `json:"stt_backend,omitempty"`
	LLMBackend string `json:"llm_backend,omitempty"`
}

// SpeakerIdentity maps a diarization label to the people at the table.
type SpeakerIdentity struct {
	// Player is the real person's name from the party roster.
	Player string `json:"player,omitempty"`

	// Character is the player's in-world character.
	Character string `json:"character,omitempty"`
}

// SessionStats holds aggregate numbers computed at the end of a run.
type SessionStats struct {
	SegmentCount int `json:"segment_count"`

	// ICRatio is the fraction of segments classified in-character.
	ICRatio float64 `json:"ic_ratio"`

	// Words counts whitespace-separated tokens across all segments.
	Words int `json:"words"`

	// Summary is a one-paragraph recap produced by the narrative stage.
	Summary string `json:"summary,omitempty"`
}

// Session is the complete processed result of one game session, persisted
// as output/<sid>/<sid>_data.json. Sessions are immutable after creation;
// only the migrate commands rewrite them, and only to backfill campaign
// linkage.
type Session struct {
	SessionID     string                     `json:"session_id"`
	SchemaVersion int                        `json:"schema_version"`
	Metadata      SessionMeta                `json:"metadata"`
	Speakers      map[string]SpeakerIdentity `json:"speakers,omitempty"`
	Segments      []types.Segment            `json:"segments"`
	Stats         SessionStats               `json:"stats"`
}

// SessionStore reads and writes session directories under the output root.
// The zero value is unusable; construct with [NewSessionStore].
type SessionStore struct {
	root string
}

// NewSessionStore returns a store over the given output root. The root is
// created lazily on first write.
func NewSessionStore(root string) *SessionStore {
	return &SessionStore{root: root}
}

// Root returns the output root the store was constructed with.
func (s *SessionStore) Root() string { return s.root }

// Dir returns the directory that holds all files for sessionID.
func (s *SessionStore) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// DataPath returns the path of the session data file.
func (s *SessionStore) DataPath(sessionID string) string {
	return filepath.Join(s.root, sessionID, sessionID+"_data.json")
}

// StatusPath returns the path of the pipeline status file.
func (s *SessionStore) StatusPath(sessionID string) string {
	return filepath.Join(s.root, sessionID, "status.json")
}

// NarrativePath returns the path of the generated narrative.
func (s *SessionStore) NarrativePath(sessionID string) string {
	return filepath.Join(s.root, sessionID, "narrative.md")
}

// TranscriptPath returns the path of the plain-text transcript.
func (s *SessionStore) TranscriptPath(sessionID string) string {
	return filepath.Join(s.root, sessionID, "transcript.txt")
}

// IntermediateDir returns the directory for per-stage intermediate outputs.
func (s *SessionStore) IntermediateDir(sessionID string) string {
	return filepath.Join(s.root, sessionID, "intermediate")
}

// Write persists sess atomically, stamping the current schema version.
func (s *SessionStore) Write(sess *Session) error {
	if sess.SessionID == "" {
		return fmt.Errorf("store: session id must not be empty")
	}
	sess.SchemaVersion = SessionSchemaVersion

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal session %q: %w", sess.SessionID, err)
	}
	return WriteFileAtomic(s.DataPath(sess.SessionID), append(data, '\n'))
}

// Read loads the data file for sessionID. Legacy files are tolerated: a
// missing schema_version reads as 0 and a missing campaign_id key reads as
// nil. Returns [ErrNotFound] when the data file does not exist.
func (s *SessionStore) Read(sessionID string) (*Session, error) {
	path := s.DataPath(sessionID)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("store: session %q: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read session data %q: %w", path, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("store: parse session data %q: %w", path, err)
	}
	return &sess, nil
}

// Exists reports whether a data file for sessionID is present.
func (s *SessionStore) Exists(sessionID string) bool {
	_, err := os.Stat(s.DataPath(sessionID))
	return err == nil
}

// List loads every session under the output root, sorted by session id
// (chronological for generated ids). Directories without a data file are
// not sessions and are skipped silently; unreadable data files are skipped
// with a warning so one corrupt session cannot hide the rest.
func (s *SessionStore) List() ([]*Session, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read output root %q: %w", s.root, err)
	}

	var sessions []*Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		if !s.Exists(id) {
			continue
		}
		sess, err := s.Read(id)
		if err != nil {
			slog.Warn("skipping unreadable session", "session_id", id, "error", err)
			continue
		}
		sessions = append(sessions, sess)
	}

	slices.SortFunc(sessions, func(a, b *Session) int {
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return sessions, nil
}

// ListByCampaign returns the sessions linked to campaignID, in id order.
func (s *SessionStore) ListByCampaign(campaignID string) ([]*Session, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, sess := range all {
		if sess.Metadata.CampaignID != nil && *sess.Metadata.CampaignID == campaignID {
			out = append(out, sess)
		}
	}
	return out, nil
}
