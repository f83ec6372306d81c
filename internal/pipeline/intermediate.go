package pipeline

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/lorekeep/lorekeep/internal/classify"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/transcript"
	"github.com/lorekeep/lorekeep/pkg/types"
)

// snapshot is the intermediate file a content stage leaves behind, named
// output/<sid>/intermediate/NN_<stage>.json. It carries everything a
// resumed run needs to pick up after the stage that wrote it; decoded
// audio is deliberately absent and is recomputed when still needed.
type snapshot struct {
	SessionID string    `json:"session_id"`
	Stage     string    `json:"stage"`
	SavedAt   time.Time `json:"saved_at"`

	Language        string    `json:"language,omitempty"`
	STTBackend      string    `json:"stt_backend,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`

	Segments    []types.Segment                  `json:"segments,omitempty"`
	Turns       []types.SpeakerTurn              `json:"turns,omitempty"`
	Speakers    map[string]store.SpeakerIdentity `json:"speakers,omitempty"`
	Unmapped    []string                         `json:"unmapped,omitempty"`
	Corrections []transcript.Correction          `json:"corrections,omitempty"`
	Entities    []string                         `json:"entities,omitempty"`
	Summary     string                           `json:"summary,omitempty"`
}

func takeSnapshot(st *State, stage string) *snapshot {
	return &snapshot{
		SessionID:       st.Input.SessionID,
		Stage:           stage,
		SavedAt:         time.Now().UTC(),
		Language:        st.Language,
		STTBackend:      st.STTBackend,
		DurationSeconds: st.Duration,
		RecordedAt:      st.RecordedAt,
		Segments:        st.Segments,
		Turns:           st.Turns,
		Speakers:        st.Speakers,
		Unmapped:        st.Unmapped,
		Corrections:     st.Corrections,
		Entities:        st.Entities,
		Summary:         st.Summary,
	}
}

func (s *snapshot) apply(st *State) {
	st.Language = s.Language
	st.STTBackend = s.STTBackend
	st.Duration = s.DurationSeconds
	st.RecordedAt = s.RecordedAt
	st.Segments = s.Segments
	st.Turns = s.Turns
	st.Speakers = s.Speakers
	st.Unmapped = s.Unmapped
	st.Corrections = s.Corrections
	st.Entities = s.Entities
	st.Summary = s.Summary
	// The classification tally is not persisted; recount it from the
	// kinds on the segments.
	st.Outcome = classify.Count(s.Segments)
}

// writeSnapshot persists the stage's snapshot. index is the stage's
// position in the run, so the file names sort in execution order.
func (r *Runner) writeSnapshot(index int, stage string, st *State) error {
	dir := r.sessions.IntermediateDir(st.Input.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(takeSnapshot(st, stage), "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%02d_%s.json", index+1, stage))
	return store.WriteFileAtomic(path, append(data, '\n'))
}

// loadSnapshot reads the stage's snapshot from dir. The position prefix may
// differ between runs when the stage list changed, so the lookup goes by
// stage name; the highest position wins. Returns fs.ErrNotExist when the
// stage never wrote one.
func loadSnapshot(dir, stage string) (*snapshot, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*_"+stage+".json"))
	if err != nil || len(matches) == 0 {
		return nil, fs.ErrNotExist
	}
	slices.Sort(matches)
	path := matches[len(matches)-1]
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse intermediate %q: %w", filepath.Base(path), err)
	}
	return &snap, nil
}
