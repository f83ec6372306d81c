// Package audit records operator-visible events as append-only JSON lines
// in a local file. One object per line, so the log survives crashes
// mid-write losing at most the last line, and `jq` can consume it directly.
//
// Append failures must never abort the operation being audited: Log degrades
// to a slog warning and returns. Disabled auditing swaps in [Nop].
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Well-known actions. Migration commands extend the "migrate." prefix with
// the migration name, e.g. "migrate.profiles".
const (
	ActionProcessStart    = "process.start"
	ActionProcessFinish   = "process.finish"
	ActionProcessFail     = "process.fail"
	ActionIngestSession   = "ingest.session"
	ActionSessionsCleanup = "sessions.cleanup"
	ActionChatTurn        = "chat.turn"
	ActionArtifactZip     = "artifact.zip"
	ActionServeStart      = "serve.start"
)

// Event statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Event is a single audit record. ID and Timestamp are filled by the
// logger when left empty; everything else comes from the caller.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Source    string         `json:"source,omitempty"`
	Status    string         `json:"status,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events. Implementations must be safe for concurrent
// use and must never block the caller on failure.
type Logger interface {
	Log(e Event)
}

// Compile-time interface checks.
var (
	_ Logger = (*FileLogger)(nil)
	_ Logger = Nop{}
)

// FileLogger appends events to an NDJSON file. The file is opened per
// append and created on first use, so external log rotation works without
// coordination.
type FileLogger struct {
	mu    sync.Mutex
	path  string
	actor string
}

// NewFileLogger creates a FileLogger writing to path. actor is stamped on
// every event that does not carry its own; when empty, $USER is used. The
// parent directory is created if missing.
func NewFileLogger(path, actor string) *FileLogger {
	if actor == "" {
		actor = os.Getenv("USER")
	}
	if dir := filepath.Dir(path); dir != "." {
		// Append reports the real failure if this did not work.
		_ = os.MkdirAll(dir, 0o755)
	}
	return &FileLogger{path: path, actor: actor}
}

// Log appends e to the file. ID (ULID, so records sort by creation time),
// Timestamp, and Actor are filled when empty. Failures are logged as
// warnings and swallowed.
func (l *FileLogger) Log(e Event) {
	if err := l.append(e); err != nil {
		slog.Warn("audit append failed", "action", e.Action, "error", err)
	}
}

func (l *FileLogger) append(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Actor == "" {
		e.Actor = l.actor
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// Nop discards every event. Used when auditing is disabled.
type Nop struct{}

// Log implements [Logger].
func (Nop) Log(Event) {}
