package audit_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lorekeep/lorekeep/internal/audit"
)

func readEvents(t *testing.T, path string) []audit.Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var events []audit.Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e audit.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", len(events)+1, err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan audit log: %v", err)
	}
	return events
}

func TestFileLogger_AppendsOneLinePerEvent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	l := audit.NewFileLogger(path, "tester")

	l.Log(audit.Event{Action: audit.ActionProcessStart, Source: "cli"})
	l.Log(audit.Event{Action: audit.ActionProcessFinish, Source: "cli", Status: audit.StatusOK})
	l.Log(audit.Event{
		Action:   audit.ActionChatTurn,
		Source:   "server",
		Metadata: map[string]any{"campaign_id": "camp-1", "sources": float64(3)},
	})

	events := readEvents(t, path)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Action != audit.ActionProcessStart {
		t.Errorf("events[0].Action = %q, want %q", events[0].Action, audit.ActionProcessStart)
	}
	if events[1].Status != audit.StatusOK {
		t.Errorf("events[1].Status = %q, want %q", events[1].Status, audit.StatusOK)
	}
	if got := events[2].Metadata["campaign_id"]; got != "camp-1" {
		t.Errorf("events[2].Metadata[campaign_id] = %v, want camp-1", got)
	}

	// ULIDs sort by creation time, so the file is replayable in order.
	if !(events[0].ID < events[1].ID && events[1].ID < events[2].ID) {
		t.Errorf("ids are not monotonically increasing: %q %q %q",
			events[0].ID, events[1].ID, events[2].ID)
	}
}

func TestFileLogger_FillsDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	l := audit.NewFileLogger(path, "gm-laptop")

	before := time.Now().UTC().Add(-time.Second)
	l.Log(audit.Event{Action: audit.ActionServeStart})
	l.Log(audit.Event{Action: audit.ActionServeStart, Actor: "override"})

	events := readEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ID == "" {
		t.Error("ID should be filled when empty")
	}
	if events[0].Timestamp.Before(before) {
		t.Errorf("Timestamp %v should be recent", events[0].Timestamp)
	}
	if events[0].Actor != "gm-laptop" {
		t.Errorf("Actor = %q, want the logger default", events[0].Actor)
	}
	if events[1].Actor != "override" {
		t.Errorf("Actor = %q, want the caller value kept", events[1].Actor)
	}
}

func TestFileLogger_CreatesParentDirectory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data", "logs", "audit.ndjson")
	l := audit.NewFileLogger(path, "")
	l.Log(audit.Event{Action: audit.ActionIngestSession})

	if events := readEvents(t, path); len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestFileLogger_AppendFailureDoesNotPanic(t *testing.T) {
	t.Parallel()
	// The path is an existing directory, so every open fails. Log must
	// swallow the error.
	l := audit.NewFileLogger(t.TempDir(), "tester")
	l.Log(audit.Event{Action: audit.ActionProcessFail, Status: audit.StatusError})
}

func TestNop_Discards(t *testing.T) {
	t.Parallel()
	var l audit.Logger = audit.Nop{}
	l.Log(audit.Event{Action: audit.ActionChatTurn})
}
