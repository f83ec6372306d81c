// Package pipeline turns recorded game audio into a processed session: a
// speaker-attributed, corrected, IC/OOC-classified transcript plus the
// artifacts derived from it (plain-text transcript, narrative, knowledge
// chunks, entity catalog updates).
//
// A run executes a sequence of named stages:
//
//	decode, transcribe, diarize, attribute, correct, classify,
//	entities, narrative, ingest, finalize
//
// The list adapts to the input: per-speaker track recordings skip
// diarization because the tracks already name their speakers, and stages
// whose providers are not configured are left out entirely. Every
// transition is written to status.json, and content stages leave an
// intermediate snapshot behind, so an interrupted run can be resumed:
// completed stages are skipped and the transcript is restored from the
// newest snapshot instead of being recomputed.
//
// Stages divide into required and optional. A required stage failing marks
// the run failed. The enrichment stages (entities, narrative, ingest) log
// their error, record it on the stage status, and let the run continue, so
// a flaky LLM cannot destroy an hour of transcription work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lorekeep/lorekeep/internal/audit"
	"github.com/lorekeep/lorekeep/internal/classify"
	"github.com/lorekeep/lorekeep/internal/ingest"
	"github.com/lorekeep/lorekeep/internal/observe"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/transcript"
	"github.com/lorekeep/lorekeep/internal/transcript/llmcorrect"
	"github.com/lorekeep/lorekeep/internal/transcript/phonetic"
	"github.com/lorekeep/lorekeep/pkg/knowledge"
	"github.com/lorekeep/lorekeep/pkg/provider/diar"
	"github.com/lorekeep/lorekeep/pkg/provider/llm"
	"github.com/lorekeep/lorekeep/pkg/provider/stt"
)

// Stage names as they appear in status.json, metrics, and intermediate
// file names.
const (
	StageDecode     = "decode"
	StageTranscribe = "transcribe"
	StageDiarize    = "diarize"
	StageAttribute  = "attribute"
	StageCorrect    = "correct"
	StageClassify   = "classify"
	StageEntities   = "entities"
	StageNarrative  = "narrative"
	StageIngest     = "ingest"
	StageFinalize   = "finalize"
)

// Stage is one named step of a run.
type Stage struct {
	// Name identifies the stage in status, metrics, and snapshots.
	Name string

	// Optional stages degrade: a failure is recorded on the stage status
	// and logged, and the run continues.
	Optional bool

	// Snapshot stages write an intermediate file after succeeding.
	Snapshot bool

	// Run does the work, reading and mutating st.
	Run func(ctx context.Context, st *State) error
}

// Input describes one processing request.
type Input struct {
	// SessionID names the output directory. Empty generates a timestamped
	// id; resume requires an explicit one.
	SessionID string

	// AudioFiles are the recordings to process. A single file is treated
	// as a table mix and diarized; several files are treated as
	// per-speaker tracks named by their file stem.
	AudioFiles []string

	// Campaign tags the session. Nil processes it untagged, which also
	// skips the stages that need a campaign (entities, ingest).
	Campaign *store.Campaign

	// Roster is the party used for speaker attribution. Nil leaves
	// diarization labels unresolved.
	Roster *store.Roster

	// SpeakerOverrides maps diarization labels or track names to player
	// names, from the --speakers flag.
	SpeakerOverrides map[string]string

	// Language overrides the configured transcription language.
	Language string

	// Resume continues an interrupted run instead of starting over.
	Resume bool

	// NoDiarize, NoNarrative, and NoIngest drop the corresponding stages.
	NoDiarize   bool
	NoNarrative bool
	NoIngest    bool
}

// Result summarises a completed run.
type Result struct {
	// Session is the record written to the session data file.
	Session *store.Session

	// Corrections counts the substitutions the correction pass recorded,
	// applied or suggested.
	Corrections int

	// Classification tallies how segments were classified.
	Classification classify.Outcome

	// Entities counts catalog entities the extraction stage upserted.
	Entities int

	// NarrativePath is the written narrative file, empty when the stage
	// was skipped or failed.
	NarrativePath string

	// Ingest reports the knowledge-base ingestion, nil when the stage was
	// skipped or failed.
	Ingest *ingest.SessionReport

	// ResumedFrom names the stage whose snapshot seeded this run, empty
	// for a fresh run.
	ResumedFrom string

	// Elapsed is the wall-clock duration of the run.
	Elapsed time.Duration
}

// Config assembles a [Runner]. Sessions and STT are required; every other
// provider is optional and its absence drops or degrades the stages that
// would use it.
type Config struct {
	// Sessions locates the output directory tree.
	Sessions *store.SessionStore

	// STT transcribes the decoded audio.
	STT stt.Provider

	// Diarizer labels speakers on single-file recordings. Nil skips the
	// diarize stage.
	Diarizer diar.Provider

	// LLM drives correction review, classification, entity extraction,
	// and the narrative. Nil degrades classification to heuristics and
	// drops the entities and narrative stages.
	LLM llm.Provider

	// Catalog receives extracted entities. Nil drops the entities stage.
	Catalog knowledge.EntityCatalog

	// Ingester writes the session into the knowledge base. Nil drops the
	// ingest stage.
	Ingester *ingest.Ingester

	// Profiles contributes character names to the correction lexicon.
	Profiles *store.ProfileStore

	// Audit receives process start/finish/fail events. Nil disables.
	Audit audit.Logger

	// Metrics records stage durations. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Language is the default transcription language when the input does
	// not carry one. Empty lets the backend auto-detect.
	Language string

	// ClassifyBatchSize caps segments per classification request. Zero
	// applies the classifier default.
	ClassifyBatchSize int

	// SaveIntermediates keeps per-stage snapshots after the run. Callers
	// pass the SAVE_INTERMEDIATE_OUTPUTS setting; when false, finalize
	// removes the intermediate directory.
	SaveIntermediates bool
}

// Runner executes processing runs. Safe for concurrent use, though session
// directories must not be shared between concurrent runs.
type Runner struct {
	sessions          *store.SessionStore
	stt               stt.Provider
	diar              diar.Provider
	llm               llm.Provider
	catalog           knowledge.EntityCatalog
	ingester          *ingest.Ingester
	profiles          *store.ProfileStore
	audit             audit.Logger
	metrics           *observe.Metrics
	corrector         *transcript.Corrector
	language          string
	classifyBatch     int
	saveIntermediates bool
}

// New validates cfg and returns a [Runner].
func New(cfg Config) (*Runner, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("pipeline: session store is required")
	}
	if cfg.STT == nil {
		return nil, errors.New("pipeline: stt provider is required")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	copts := []transcript.CorrectorOption{transcript.WithMatcher(phonetic.New())}
	if cfg.LLM != nil {
		copts = append(copts, transcript.WithLLMCorrector(llmcorrect.New(cfg.LLM)))
	}

	return &Runner{
		sessions:          cfg.Sessions,
		stt:               cfg.STT,
		diar:              cfg.Diarizer,
		llm:               cfg.LLM,
		catalog:           cfg.Catalog,
		ingester:          cfg.Ingester,
		profiles:          cfg.Profiles,
		audit:             cfg.Audit,
		metrics:           cfg.Metrics,
		corrector:         transcript.NewCorrector(copts...),
		language:          cfg.Language,
		classifyBatch:     cfg.ClassifyBatchSize,
		saveIntermediates: cfg.SaveIntermediates,
	}, nil
}

// Stages returns the stage sequence a run over in would execute.
func (r *Runner) Stages(in Input) []Stage {
	stages := []Stage{
		{Name: StageDecode, Run: r.runDecode},
		{Name: StageTranscribe, Run: r.runTranscribe, Snapshot: true},
	}
	if r.diar != nil && !in.NoDiarize && len(in.AudioFiles) == 1 {
		stages = append(stages, Stage{Name: StageDiarize, Run: r.runDiarize, Snapshot: true})
	}
	stages = append(stages,
		Stage{Name: StageAttribute, Run: r.runAttribute, Snapshot: true},
		Stage{Name: StageCorrect, Run: r.runCorrect, Snapshot: true},
		Stage{Name: StageClassify, Run: r.runClassify, Snapshot: true},
	)
	if r.llm != nil && r.catalog != nil && in.Campaign != nil {
		stages = append(stages, Stage{Name: StageEntities, Run: r.runEntities, Optional: true, Snapshot: true})
	}
	if r.llm != nil && !in.NoNarrative {
		stages = append(stages, Stage{Name: StageNarrative, Run: r.runNarrative, Optional: true, Snapshot: true})
	}
	if r.ingester != nil && !in.NoIngest && in.Campaign != nil {
		stages = append(stages, Stage{Name: StageIngest, Run: r.runIngest, Optional: true})
	}
	return append(stages, Stage{Name: StageFinalize, Run: r.runFinalize})
}

// Run processes one session end to end. The returned error wraps the
// failing stage; optional stage failures never surface here.
func (r *Runner) Run(ctx context.Context, in Input) (*Result, error) {
	if err := validateInput(&in); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.sessions.Dir(in.SessionID), 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create session directory: %w", err)
	}

	st := &State{Input: in}
	if r.llm != nil {
		st.LLMBackend = r.llm.ModelID()
	}

	stages := r.Stages(in)
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}

	statusPath := r.sessions.StatusPath(in.SessionID)
	var tracker *store.StatusTracker
	restoreIdx := -1
	if in.Resume {
		prev, err := store.ReadStatus(statusPath)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("previous status unreadable, restarting run",
				"session_id", in.SessionID, "error", err)
		}
		tracker = store.ResumeStatusTracker(statusPath, in.SessionID, names, prev)
		restoreIdx = r.restore(st, stages, tracker)
		if restoreIdx >= 0 {
			slog.Info("resuming session",
				"session_id", in.SessionID, "from", stages[restoreIdx].Name)
		}
	} else {
		tracker = store.NewStatusTracker(statusPath, in.SessionID, names)
	}
	// Decode leaves nothing on disk, so it re-runs when a remaining stage
	// still reads the samples.
	audioNeeded := restoreIdx >= 0 && needsAudio(stages[restoreIdx+1:])

	start := time.Now()
	tracker.Start()
	r.audit.Log(audit.Event{
		Action:   audit.ActionProcessStart,
		Status:   audit.StatusOK,
		Metadata: startMetadata(in),
	})
	slog.Info("processing session",
		"session_id", in.SessionID, "files", len(in.AudioFiles), "resume", in.Resume)

	for i, stage := range stages {
		if i <= restoreIdx && !(stage.Name == StageDecode && audioNeeded) {
			continue
		}

		t0 := time.Now()
		tracker.StageStarted(stage.Name)
		slog.Debug("stage starting", "session_id", in.SessionID, "stage", stage.Name)

		err := ctx.Err()
		if err == nil {
			err = stage.Run(ctx, st)
		}
		secs := time.Since(t0).Seconds()

		if err != nil {
			r.metrics.RecordStage(ctx, stage.Name, "error", secs)
			if stage.Optional && ctx.Err() == nil {
				tracker.StageDegraded(stage.Name, err)
				slog.Warn("optional stage failed, continuing",
					"session_id", in.SessionID, "stage", stage.Name, "error", err)
				continue
			}
			tracker.StageFailed(stage.Name, err)
			r.metrics.RecordSessionProcessed(ctx, "error")
			r.audit.Log(audit.Event{
				Action: audit.ActionProcessFail,
				Status: audit.StatusError,
				Metadata: map[string]any{
					"session_id": in.SessionID,
					"stage":      stage.Name,
					"error":      err.Error(),
				},
			})
			return nil, fmt.Errorf("pipeline: stage %s: %w", stage.Name, err)
		}

		tracker.StageFinished(stage.Name)
		r.metrics.RecordStage(ctx, stage.Name, "ok", secs)
		slog.Info("stage finished",
			"session_id", in.SessionID, "stage", stage.Name,
			"elapsed", time.Since(t0).Round(time.Millisecond))

		if stage.Snapshot && r.saveIntermediates {
			if err := r.writeSnapshot(i, stage.Name, st); err != nil {
				slog.Warn("intermediate write failed",
					"session_id", in.SessionID, "stage", stage.Name, "error", err)
			}
		}
	}

	tracker.Finish()
	elapsed := time.Since(start)
	r.metrics.RecordSessionProcessed(ctx, "ok")
	r.audit.Log(audit.Event{
		Action: audit.ActionProcessFinish,
		Status: audit.StatusOK,
		Metadata: map[string]any{
			"session_id":       in.SessionID,
			"segments":         len(st.Segments),
			"duration_seconds": st.Duration,
			"elapsed_seconds":  elapsed.Seconds(),
		},
	})
	slog.Info("session processed",
		"session_id", in.SessionID, "segments", len(st.Segments),
		"elapsed", elapsed.Round(time.Millisecond))

	return r.result(st, stages, restoreIdx, elapsed), nil
}

func (r *Runner) result(st *State, stages []Stage, restoreIdx int, elapsed time.Duration) *Result {
	res := &Result{
		Session:        st.Session,
		Corrections:    len(st.Corrections),
		Classification: st.Outcome,
		Entities:       len(st.Entities),
		Ingest:         st.IngestReport,
		Elapsed:        elapsed,
	}
	if restoreIdx >= 0 {
		res.ResumedFrom = stages[restoreIdx].Name
	}
	path := r.sessions.NarrativePath(st.Input.SessionID)
	if _, err := os.Stat(path); err == nil {
		res.NarrativePath = path
	}
	return res
}

// restore loads the newest usable snapshot into st and returns the index of
// the stage that wrote it, or -1 when the run must start from scratch.
func (r *Runner) restore(st *State, stages []Stage, tracker *store.StatusTracker) int {
	dir := r.sessions.IntermediateDir(st.Input.SessionID)
	for i := len(stages) - 1; i >= 0; i-- {
		stage := stages[i]
		if !stage.Snapshot || !tracker.Completed(stage.Name) {
			continue
		}
		snap, err := loadSnapshot(dir, stage.Name)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			slog.Warn("intermediate unreadable, trying an earlier stage",
				"session_id", st.Input.SessionID, "stage", stage.Name, "error", err)
			continue
		}
		snap.apply(st)
		return i
	}
	return -1
}

func validateInput(in *Input) error {
	if len(in.AudioFiles) == 0 {
		return errors.New("pipeline: no audio files given")
	}
	if in.SessionID == "" {
		if in.Resume {
			return errors.New("pipeline: resume requires an explicit session id")
		}
		in.SessionID = "session-" + time.Now().UTC().Format("20060102-150405")
	}
	if len(in.AudioFiles) > 1 {
		seen := make(map[string]string, len(in.AudioFiles))
		for _, path := range in.AudioFiles {
			track := trackName(path)
			if other, dup := seen[track]; dup {
				return fmt.Errorf("pipeline: audio files %q and %q would share the track name %q", other, path, track)
			}
			seen[track] = path
		}
	}
	return nil
}

// needsAudio reports whether any of the given stages reads decoded samples.
func needsAudio(stages []Stage) bool {
	for _, s := range stages {
		if s.Name == StageTranscribe || s.Name == StageDiarize {
			return true
		}
	}
	return false
}

func startMetadata(in Input) map[string]any {
	meta := map[string]any{
		"session_id":  in.SessionID,
		"audio_files": len(in.AudioFiles),
		"resume":      in.Resume,
	}
	if in.Campaign != nil {
		meta["campaign_id"] = in.Campaign.ID
	}
	return meta
}
