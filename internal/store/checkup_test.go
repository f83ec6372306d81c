package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestSession(t *testing.T, s *SessionStore, id string, campaignID *string) {
	t.Helper()
	sess := &Session{
		SessionID: id,
		Metadata:  SessionMeta{CampaignID: campaignID},
	}
	if err := s.Write(sess); err != nil {
		t.Fatalf("Write(%q) failed: %v", id, err)
	}
}

func writeTestStatus(t *testing.T, path string, st Status) {
	t.Helper()
	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write status: %v", err)
	}
}

func findingKinds(findings []Finding) map[string]int {
	kinds := make(map[string]int)
	for _, f := range findings {
		kinds[f.Kind]++
	}
	return kinds
}

func TestCheckupCleanRoot(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	writeTestSession(t, s, "session-20250101-180000", nil)

	findings, err := s.Checkup(CheckupOptions{})
	if err != nil {
		t.Fatalf("Checkup failed: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected no findings, got %v", findings)
	}
}

func TestCheckupMissingRoot(t *testing.T) {
	s := NewSessionStore(filepath.Join(t.TempDir(), "nope"))
	findings, err := s.Checkup(CheckupOptions{})
	if err != nil {
		t.Fatalf("Checkup failed: %v", err)
	}
	if findings != nil {
		t.Fatalf("expected nil findings, got %v", findings)
	}
}

func TestCheckupEmptyDir(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	if err := os.MkdirAll(s.Dir("session-empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	findings, err := s.Checkup(CheckupOptions{})
	if err != nil {
		t.Fatalf("Checkup failed: %v", err)
	}
	if len(findings) != 1 || findings[0].Kind != FindingEmptyDir {
		t.Fatalf("expected one empty_dir finding, got %v", findings)
	}
	if !findings[0].Removable {
		t.Error("empty dir should be removable")
	}
}

func TestCheckupMissingDataFile(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	id := "session-partial"
	if err := os.MkdirAll(s.Dir(id), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.TranscriptPath(id), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	findings, err := s.Checkup(CheckupOptions{})
	if err != nil {
		t.Fatalf("Checkup failed: %v", err)
	}
	if len(findings) != 1 || findings[0].Kind != FindingMissingData {
		t.Fatalf("expected one missing_data_file finding, got %v", findings)
	}
	if findings[0].Removable {
		t.Error("partial session must not be removable")
	}
}

func TestCheckupIDMismatch(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	writeTestSession(t, s, "session-a", nil)

	// Move the directory so the data file inside disagrees with its name.
	if err := os.Rename(s.Dir("session-a"), s.Dir("session-b")); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(
		filepath.Join(s.Dir("session-b"), "session-a_data.json"),
		s.DataPath("session-b"),
	); err != nil {
		t.Fatal(err)
	}

	findings, err := s.Checkup(CheckupOptions{})
	if err != nil {
		t.Fatalf("Checkup failed: %v", err)
	}
	kinds := findingKinds(findings)
	if kinds[FindingIDMismatch] != 1 {
		t.Fatalf("expected id_mismatch finding, got %v", findings)
	}
}

func TestCheckupUnknownCampaign(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	gone := "01JGONE00000000000000000000"
	writeTestSession(t, s, "session-x", &gone)

	findings, err := s.Checkup(CheckupOptions{
		KnownCampaign: func(string) bool { return false },
	})
	if err != nil {
		t.Fatalf("Checkup failed: %v", err)
	}
	kinds := findingKinds(findings)
	if kinds[FindingUnknownCampaign] != 1 {
		t.Fatalf("expected unknown_campaign finding, got %v", findings)
	}

	// Without a campaign lookup the check is off.
	findings, err = s.Checkup(CheckupOptions{})
	if err != nil {
		t.Fatalf("Checkup failed: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected no findings without lookup, got %v", findings)
	}
}

func TestCheckupStuckRunning(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	id := "session-stuck"
	writeTestSession(t, s, id, nil)
	writeTestStatus(t, s.StatusPath(id), Status{
		SessionID: id,
		State:     StateRunning,
		Stage:     "transcribe",
		UpdatedAt: time.Now().Add(-3 * time.Hour),
	})

	findings, err := s.Checkup(CheckupOptions{StaleAfter: time.Hour})
	if err != nil {
		t.Fatalf("Checkup failed: %v", err)
	}
	kinds := findingKinds(findings)
	if kinds[FindingStuckRunning] != 1 {
		t.Fatalf("expected stuck_running finding, got %v", findings)
	}

	// A recently updated run is fine.
	writeTestStatus(t, s.StatusPath(id), Status{
		SessionID: id,
		State:     StateRunning,
		UpdatedAt: time.Now(),
	})
	findings, err = s.Checkup(CheckupOptions{StaleAfter: time.Hour})
	if err != nil {
		t.Fatalf("Checkup failed: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected no findings for a live run, got %v", findings)
	}
}

func TestCheckupOrphanIntermediates(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	id := "session-done"
	writeTestSession(t, s, id, nil)
	writeTestStatus(t, s.StatusPath(id), Status{
		SessionID: id,
		State:     StateDone,
		UpdatedAt: time.Now(),
	})
	if err := os.MkdirAll(s.IntermediateDir(id), 0o755); err != nil {
		t.Fatal(err)
	}

	findings, err := s.Checkup(CheckupOptions{})
	if err != nil {
		t.Fatalf("Checkup failed: %v", err)
	}
	if len(findings) != 1 || findings[0].Kind != FindingOrphanIntermediates {
		t.Fatalf("expected one orphan_intermediates finding, got %v", findings)
	}
	if !findings[0].Removable {
		t.Error("orphan intermediates should be removable")
	}
}

func TestCheckupTempLeftover(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	id := "session-t"
	writeTestSession(t, s, id, nil)
	leftover := filepath.Join(s.Dir(id), ".status.json.tmp-1234")
	if err := os.WriteFile(leftover, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	findings, err := s.Checkup(CheckupOptions{})
	if err != nil {
		t.Fatalf("Checkup failed: %v", err)
	}
	if len(findings) != 1 || findings[0].Kind != FindingTempLeftover {
		t.Fatalf("expected one tmp_leftover finding, got %v", findings)
	}
	if findings[0].Path != leftover {
		t.Errorf("finding path = %q, want %q", findings[0].Path, leftover)
	}
}

func TestCleanupRemovesAndSkips(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	if err := os.MkdirAll(s.Dir("session-empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	id := "session-partial"
	if err := os.MkdirAll(s.Dir(id), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.TranscriptPath(id), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	findings, err := s.Checkup(CheckupOptions{})
	if err != nil {
		t.Fatalf("Checkup failed: %v", err)
	}

	rep := s.Cleanup(findings, false)
	if len(rep.Removed) != 1 || len(rep.Skipped) != 1 || len(rep.Failed) != 0 {
		t.Fatalf("report = %s, want removed 1, skipped 1", rep)
	}
	if _, err := os.Stat(s.Dir("session-empty")); !os.IsNotExist(err) {
		t.Error("empty session dir still present after cleanup")
	}
	if _, err := os.Stat(s.TranscriptPath(id)); err != nil {
		t.Error("partial session was removed but should have been skipped")
	}
}

func TestCleanupDryRun(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	if err := os.MkdirAll(s.Dir("session-empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	findings, err := s.Checkup(CheckupOptions{})
	if err != nil {
		t.Fatalf("Checkup failed: %v", err)
	}
	rep := s.Cleanup(findings, true)
	if len(rep.Removed) != 1 {
		t.Fatalf("dry run should report the planned removal, got %s", rep)
	}
	if _, err := os.Stat(s.Dir("session-empty")); err != nil {
		t.Error("dry run must not delete anything")
	}
}
