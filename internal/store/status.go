package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"
	"time"
)

// Pipeline lifecycle states recorded in status.json, for the run as a whole
// and for each stage.
const (
	StatePending = "pending"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// StageStatus records the outcome of a single pipeline stage.
type StageStatus struct {
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`

	// counted tracks whether the stage has contributed to the progress
	// percentage, independent of Status flapping when a stage re-runs.
	counted bool
}

// Status is the on-disk shape of output/<sid>/status.json. It is rewritten
// atomically at every stage transition, so an interrupted run leaves an
// accurate record of how far it got and a resumed run knows what to skip.
type Status struct {
	SessionID string                 `json:"session_id"`
	State     string                 `json:"state"`
	Stage     string                 `json:"stage,omitempty"`
	Percent   int                    `json:"percent"`
	StartedAt time.Time              `json:"started_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Stages    map[string]StageStatus `json:"stages"`
}

// ReadStatus loads a status file. Returns [ErrNotFound] when absent.
func ReadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("store: status file %q: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read status file %q: %w", path, err)
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("store: parse status file %q: %w", path, err)
	}
	return &st, nil
}

// StatusTracker maintains status.json across a pipeline run. Write failures
// are logged, not returned: losing a progress file must never abort the run
// it describes.
type StatusTracker struct {
	mu     sync.Mutex
	path   string
	status Status
	total  int
	done   int
}

// NewStatusTracker prepares a tracker for a fresh run over the named
// stages. Nothing is written until [StatusTracker.Start].
func NewStatusTracker(path, sessionID string, stages []string) *StatusTracker {
	st := Status{
		SessionID: sessionID,
		State:     StatePending,
		StartedAt: time.Now().UTC(),
		Stages:    make(map[string]StageStatus, len(stages)),
	}
	for _, name := range stages {
		st.Stages[name] = StageStatus{Status: StatePending}
	}
	return &StatusTracker{path: path, status: st, total: len(stages)}
}

// ResumeStatusTracker prepares a tracker that carries over the completed
// stages of a previous run. Stages that finished before keep their original
// record and count toward the progress percentage; everything else is reset
// to pending. The original run's start time is preserved.
func ResumeStatusTracker(path, sessionID string, stages []string, prev *Status) *StatusTracker {
	t := NewStatusTracker(path, sessionID, stages)
	if prev == nil {
		return t
	}
	for _, name := range stages {
		if ps, ok := prev.Stages[name]; ok && ps.Status == StateDone {
			ps.counted = true
			t.status.Stages[name] = ps
			t.done++
		}
	}
	if !prev.StartedAt.IsZero() {
		t.status.StartedAt = prev.StartedAt
	}
	return t
}

// Completed reports whether a stage finished in a previous run, letting a
// resumed pipeline skip it.
func (t *StatusTracker) Completed(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Stages[name].Status == StateDone
}

// Start marks the run as running and writes the first status file.
func (t *StatusTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.State = StateRunning
	t.flush()
}

// StageStarted records that a stage began executing.
func (t *StatusTracker) StageStarted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	t.status.State = StateRunning
	t.status.Stage = name
	ss := t.status.Stages[name]
	ss.Status = StateRunning
	ss.StartedAt = &now
	ss.Error = ""
	t.status.Stages[name] = ss
	t.flush()
}

// StageFinished records a successful stage and advances the percentage.
// Re-finishing a stage that already counted (a resumed run re-executing
// decode for its samples) does not inflate the percentage.
func (t *StatusTracker) StageFinished(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	ss := t.status.Stages[name]
	if !ss.counted {
		t.done++
	}
	ss.Status = StateDone
	ss.FinishedAt = &now
	ss.counted = true
	t.status.Stages[name] = ss
	t.flush()
}

// StageFailed records a failed stage and marks the whole run failed.
func (t *StatusTracker) StageFailed(name string, stageErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	ss := t.status.Stages[name]
	ss.Status = StateFailed
	ss.FinishedAt = &now
	if stageErr != nil {
		ss.Error = stageErr.Error()
	}
	t.status.Stages[name] = ss
	t.status.State = StateFailed
	t.flush()
}

// StageDegraded records a failed stage without failing the run. Optional
// pipeline stages use it: the error stays on the stage record, so a resumed
// run will retry the stage, but the run itself keeps going.
func (t *StatusTracker) StageDegraded(name string, stageErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	ss := t.status.Stages[name]
	ss.Status = StateFailed
	ss.FinishedAt = &now
	if stageErr != nil {
		ss.Error = stageErr.Error()
	}
	t.status.Stages[name] = ss
	t.flush()
}

// Finish marks the run done.
func (t *StatusTracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.State = StateDone
	t.status.Stage = ""
	t.flush()
}

// Snapshot returns a copy of the current status.
func (t *StatusTracker) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.status
	st.Stages = maps.Clone(st.Stages)
	return st
}

// flush writes the status file. Callers must hold the lock.
func (t *StatusTracker) flush() {
	t.status.UpdatedAt = time.Now().UTC()
	if t.total > 0 {
		t.status.Percent = t.done * 100 / t.total
	}
	if t.status.State == StateDone {
		t.status.Percent = 100
	}

	data, err := json.MarshalIndent(t.status, "", "  ")
	if err == nil {
		err = WriteFileAtomic(t.path, append(data, '\n'))
	}
	if err != nil {
		slog.Warn("status write failed", "path", t.path, "error", err)
	}
}
