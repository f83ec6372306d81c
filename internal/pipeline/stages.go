package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/classify"
	"github.com/lorekeep/lorekeep/internal/entity"
	"github.com/lorekeep/lorekeep/internal/ingest"
	"github.com/lorekeep/lorekeep/internal/narrative"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/transcript"
	"github.com/lorekeep/lorekeep/pkg/audio"
	"github.com/lorekeep/lorekeep/pkg/provider/diar"
	"github.com/lorekeep/lorekeep/pkg/provider/stt"
	"github.com/lorekeep/lorekeep/pkg/types"
)

// State carries one run's accumulating data between stages.
type State struct {
	// Input is the request that started the run.
	Input Input

	// Clips holds the decoded audio, parallel to Input.AudioFiles. Only
	// transcribe and diarize read it; it is never snapshotted.
	Clips []audio.Clip

	// RecordedAt is when the session happened, taken from the earliest
	// audio file modification time.
	RecordedAt time.Time

	// Duration is the session length in seconds. Per-speaker tracks cover
	// the same table time, so for those this is the longest track.
	Duration float64

	Language   string
	STTBackend string
	LLMBackend string

	// Segments is the transcript as the stages leave it.
	Segments []types.Segment

	// Turns is the raw diarization output.
	Turns []types.SpeakerTurn

	// Speakers maps diarization labels and track names to table
	// identities.
	Speakers map[string]store.SpeakerIdentity

	// Unmapped lists labels attribution could not resolve.
	Unmapped []string

	// Corrections records what the correction pass changed or suggested.
	Corrections []transcript.Correction

	// Outcome tallies the classification.
	Outcome classify.Outcome

	// Entities names the catalog entries the extraction stage touched.
	Entities []string

	// Summary is the one-paragraph recap from the narrative stage.
	Summary string

	// IngestReport is set when the ingest stage ran.
	IngestReport *ingest.SessionReport

	// Session is the final record, set by finalize.
	Session *store.Session

	lexicon    []string
	characters []string
}

// session assembles the store record from the state as it stands. The
// narrative and ingest stages call it before finalize does, so it must not
// mutate st.
func (st *State) session(processedAt time.Time) *store.Session {
	in := st.Input
	meta := store.SessionMeta{
		RecordedAt:      st.RecordedAt,
		ProcessedAt:     processedAt,
		AudioFiles:      in.AudioFiles,
		DurationSeconds: st.Duration,
		Language:        st.Language,
		STTBackend:      st.STTBackend,
		LLMBackend:      st.LLMBackend,
	}
	if in.Campaign != nil {
		id := in.Campaign.ID
		meta.CampaignID = &id
		meta.CampaignName = in.Campaign.Name
	}
	if in.Roster != nil && in.Roster.PartyID != "" {
		pid := in.Roster.PartyID
		meta.PartyID = &pid
	}
	return &store.Session{
		SessionID: in.SessionID,
		Metadata:  meta,
		Speakers:  st.Speakers,
		Segments:  st.Segments,
		Stats:     st.stats(),
	}
}

func (st *State) stats() store.SessionStats {
	stats := store.SessionStats{
		SegmentCount: len(st.Segments),
		Summary:      st.Summary,
	}
	for _, seg := range st.Segments {
		stats.Words += len(strings.Fields(seg.Text))
	}
	if len(st.Segments) > 0 {
		outcome := classify.Count(st.Segments)
		stats.ICRatio = float64(outcome.IC) / float64(len(st.Segments))
	}
	return stats
}

func (r *Runner) runDecode(ctx context.Context, st *State) error {
	in := st.Input
	st.Clips = st.Clips[:0]
	var recorded time.Time
	st.Duration = 0
	for _, path := range in.AudioFiles {
		clip, err := audio.Decode(ctx, path)
		if err != nil {
			return fmt.Errorf("decode %q: %w", path, err)
		}
		st.Clips = append(st.Clips, clip)
		if d := clip.Duration(); d > st.Duration {
			st.Duration = d
		}
		if fi, err := os.Stat(path); err == nil {
			if mt := fi.ModTime().UTC(); recorded.IsZero() || mt.Before(recorded) {
				recorded = mt
			}
		}
	}
	if st.RecordedAt.IsZero() {
		st.RecordedAt = recorded
	}
	if st.RecordedAt.IsZero() {
		st.RecordedAt = time.Now().UTC()
	}
	return nil
}

func (r *Runner) runTranscribe(ctx context.Context, st *State) error {
	in := st.Input
	lang := in.Language
	if lang == "" {
		lang = r.language
	}
	prompt := sttPrompt(r.lexicon(ctx, st))

	if len(in.AudioFiles) > 1 {
		tracks := make(map[string][]types.Segment, len(in.AudioFiles))
		var detected string
		for i, path := range in.AudioFiles {
			track := trackName(path)
			res, err := r.transcribeClip(ctx, st.Clips[i], lang, prompt)
			if err != nil {
				return fmt.Errorf("track %q: %w", track, err)
			}
			segs := res.Segments
			for j := range segs {
				segs[j].Speaker = track
			}
			tracks[track] = segs
			if detected == "" {
				detected = res.Language
			}
		}
		st.Segments = transcript.Merge(tracks)
		st.Language = detected
	} else {
		res, err := r.transcribeClip(ctx, st.Clips[0], lang, prompt)
		if err != nil {
			return err
		}
		segs := res.Segments
		// Providers number segments per clip window; renumber for the
		// session.
		for j := range segs {
			segs[j].ID = j
		}
		st.Segments = segs
		st.Language = res.Language
	}

	if st.Language == "" {
		st.Language = lang
	}
	st.STTBackend = r.stt.Backend()
	if len(st.Segments) == 0 {
		return errors.New("no speech recognized in the recording")
	}
	return nil
}

func (r *Runner) transcribeClip(ctx context.Context, clip audio.Clip, lang, prompt string) (*stt.Result, error) {
	res, err := r.stt.Transcribe(ctx, stt.Request{
		Samples:    clip.Samples,
		SampleRate: clip.SampleRate,
		Language:   lang,
		Prompt:     prompt,
	})
	if err != nil {
		return nil, err
	}
	r.metrics.RecordSTTAudio(ctx, r.stt.Backend(), clip.Duration())
	return res, nil
}

func (r *Runner) runDiarize(ctx context.Context, st *State) error {
	clip := st.Clips[0]
	hint := 0
	if st.Input.Roster != nil {
		// The table is the party plus the DM.
		hint = len(st.Input.Roster.Members) + 1
	}
	turns, err := r.diar.Diarize(ctx, diar.Request{
		Samples:     clip.Samples,
		SampleRate:  clip.SampleRate,
		NumSpeakers: hint,
	})
	if err != nil {
		return err
	}
	st.Turns = turns
	st.Segments = transcript.AlignTurns(st.Segments, turns)
	return nil
}

func (r *Runner) runAttribute(_ context.Context, st *State) error {
	segments, att := transcript.AttributeSpeakers(st.Segments, st.Input.Roster, st.Input.SpeakerOverrides)
	st.Segments = segments
	st.Speakers = att.Speakers
	st.Unmapped = att.Unmapped
	if len(st.Unmapped) > 0 {
		slog.Warn("speakers left unmapped",
			"session_id", st.Input.SessionID, "labels", st.Unmapped)
	}
	return nil
}

func (r *Runner) runCorrect(ctx context.Context, st *State) error {
	lexicon := r.lexicon(ctx, st)
	if len(lexicon) == 0 {
		return nil
	}
	segments, corrections, err := r.corrector.Correct(ctx, st.Segments, lexicon)
	if err != nil {
		return err
	}
	st.Segments = segments
	st.Corrections = corrections
	return nil
}

func (r *Runner) runClassify(ctx context.Context, st *State) error {
	opts := []classify.Option{classify.WithCharacters(r.characterNames(st))}
	if r.classifyBatch > 0 {
		opts = append(opts, classify.WithBatchSize(r.classifyBatch))
	}
	segments, outcome, err := classify.New(r.llm, opts...).Classify(ctx, st.Segments)
	if err != nil {
		return err
	}
	st.Segments = segments
	st.Outcome = outcome
	return nil
}

func (r *Runner) runEntities(ctx context.Context, st *State) error {
	extractor := entity.NewExtractor(r.llm, r.catalog)
	entities, err := extractor.Extract(ctx, st.Input.Campaign.ID, st.Segments)
	if err != nil {
		return err
	}
	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}
	st.Entities = names
	return nil
}

func (r *Runner) runNarrative(ctx context.Context, st *State) error {
	res, err := narrative.New(r.llm).Generate(ctx, st.session(time.Now().UTC()))
	if err != nil {
		return err
	}
	path := r.sessions.NarrativePath(st.Input.SessionID)
	if err := store.WriteNarrative(path, res.Narrative); err != nil {
		return fmt.Errorf("write narrative: %w", err)
	}
	st.Summary = res.Summary
	return nil
}

func (r *Runner) runIngest(ctx context.Context, st *State) error {
	report, err := r.ingester.Ingest(ctx, st.session(time.Now().UTC()))
	if err != nil {
		return err
	}
	st.IngestReport = &report
	r.metrics.RecordChunksIngested(ctx, report.Chunks)
	return nil
}

func (r *Runner) runFinalize(_ context.Context, st *State) error {
	sess := st.session(time.Now().UTC())
	if err := r.sessions.Write(sess); err != nil {
		return err
	}
	if err := writeTranscript(r.sessions.TranscriptPath(sess.SessionID), sess.Segments); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	st.Session = sess
	if !r.saveIntermediates {
		dir := r.sessions.IntermediateDir(sess.SessionID)
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("intermediate cleanup failed", "dir", dir, "error", err)
		}
	}
	return nil
}

// lexicon assembles the proper-noun list used as the transcription hint and
// the correction vocabulary: roster characters, profile names, and the
// campaign's entity catalog. Cached per run.
func (r *Runner) lexicon(ctx context.Context, st *State) []string {
	if st.lexicon != nil {
		return st.lexicon
	}
	names := append([]string(nil), r.characterNames(st)...)
	if r.catalog != nil && st.Input.Campaign != nil {
		more, err := r.catalog.Names(ctx, st.Input.Campaign.ID)
		if err != nil {
			slog.Warn("entity names unavailable for the lexicon",
				"campaign_id", st.Input.Campaign.ID, "error", err)
		}
		names = append(names, more...)
	}
	st.lexicon = dedupeFold(names)
	return st.lexicon
}

// characterNames lists the party's character names and aliases, from the
// roster plus stored profiles. Cached per run.
func (r *Runner) characterNames(st *State) []string {
	if st.characters != nil {
		return st.characters
	}
	var names []string
	if st.Input.Roster != nil {
		names = append(names, st.Input.Roster.CharacterNames()...)
	}
	if r.profiles != nil {
		profiles, err := r.listProfiles(st.Input.Campaign)
		if err != nil {
			slog.Warn("character profiles unavailable", "error", err)
		}
		for _, p := range profiles {
			names = append(names, p.Name)
			names = append(names, p.Aliases...)
		}
	}
	st.characters = dedupeFold(names)
	return st.characters
}

func (r *Runner) listProfiles(campaign *store.Campaign) ([]*store.Profile, error) {
	if campaign != nil {
		return r.profiles.ListByCampaign(campaign.ID)
	}
	return r.profiles.List()
}

// sttPromptBudget caps the decoding hint. Whisper reads roughly the last
// 224 tokens of the prompt, so a longer list only displaces earlier names.
const sttPromptBudget = 640

// sttPrompt joins the lexicon into a transcription hint, cut at a name
// boundary once the budget is reached.
func sttPrompt(lexicon []string) string {
	var b strings.Builder
	for _, name := range lexicon {
		if b.Len() > 0 {
			if b.Len()+2+len(name) > sttPromptBudget {
				break
			}
			b.WriteString(", ")
		}
		b.WriteString(name)
	}
	return b.String()
}

// writeTranscript renders the human-readable transcript, one line per
// segment: "[h:mm:ss] name: text", with "(ooc) " before the name on table
// talk.
func writeTranscript(path string, segments []types.Segment) error {
	var b strings.Builder
	for _, seg := range segments {
		name := seg.Character
		if name == "" {
			name = seg.Speaker
		}
		if name == "" {
			name = "unknown"
		}
		b.WriteString("[")
		b.WriteString(timestamp(seg.Start))
		b.WriteString("] ")
		if seg.Kind == types.KindOOC {
			b.WriteString("(ooc) ")
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(seg.Text)
		b.WriteByte('\n')
	}
	return store.WriteFileAtomic(path, []byte(b.String()))
}

func timestamp(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, total%3600/60, total%60)
}

// trackName derives the speaker track name from an audio file path.
func trackName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// dedupeFold removes duplicates case-insensitively, keeping the first
// casing seen.
func dedupeFold(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}
