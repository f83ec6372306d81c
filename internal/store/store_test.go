package store_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lorekeep/lorekeep/internal/store"
)

func TestWriteFileAtomic_CreatesFileAndParents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data", "nested", "campaigns.json")

	if err := store.WriteFileAtomic(path, []byte(`{"version":1}`)); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got, want := string(data), `{"version":1}`; got != want {
		t.Errorf("content: got %q, want %q", got, want)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o644 {
		t.Errorf("permissions: got %v, want 0644", got)
	}
}

func TestWriteFileAtomic_ReplacesExisting(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "status.json")
	if err := store.WriteFileAtomic(path, []byte("first version, quite a long one")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := store.WriteFileAtomic(path, []byte("second")); err != nil {
		t.Fatalf("WriteFileAtomic (second): %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got, want := string(data), "second"; got != want {
		t.Errorf("content after rewrite: got %q, want %q", got, want)
	}
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := store.WriteFileAtomic(filepath.Join(dir, "a.json"), []byte("{}")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("directory entries: got %d, want 1", len(entries))
	}
}

func TestIsTempFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want bool
	}{
		{".campaigns.json.tmp-123456", true},
		{"/output/sid/.status.json.tmp-9", true},
		{"campaigns.json", false},
		{".hidden", false},
		{"notes.tmp-but-visible", false}, // no leading dot, so not ours
	}

	for _, tc := range tests {
		if got := store.IsTempFile(tc.name); got != tc.want {
			t.Errorf("IsTempFile(%q): got %v, want %v", tc.name, got, tc.want)
		}
	}
}
