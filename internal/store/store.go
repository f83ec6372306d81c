// Package store implements Lorekeep's file-backed metadata layer.
//
// All application metadata lives in plain JSON, Markdown, and YAML files so
// that a campaign archive stays portable and inspectable with standard tools.
// Only the searchable knowledge base (pkg/knowledge) lives elsewhere.
//
// Layout:
//
//	data/campaigns.json           — campaign registry ([CampaignStore])
//	data/profiles/<slug>.json     — character profiles ([ProfileStore])
//	data/conversations/<id>.json  — chat transcripts ([ConversationStore])
//	data/parties/<name>.yaml      — party rosters ([LoadRoster])
//	output/<sid>/<sid>_data.json  — processed session data ([SessionStore])
//	output/<sid>/status.json      — pipeline progress ([StatusTracker])
//	output/<sid>/narrative.md     — session narrative ([ReadNarrative])
//
// Every write goes through [WriteFileAtomic]: the data lands in a temp file
// in the target directory and is renamed into place, so a concurrent reader
// never observes a partially written file. All stores are safe for
// concurrent use within a single process; the stores are the only writers
// of their files.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateName is returned by [CampaignStore.Create] when a campaign
// with the same name (compared case-insensitively) already exists.
var ErrDuplicateName = errors.New("a campaign with that name already exists")

// tmpMarker appears in the name of every temp file created by
// [WriteFileAtomic]. Leftovers from interrupted writes can be recognised
// with [IsTempFile] and swept by the cleanup command.
const tmpMarker = ".tmp-"

// WriteFileAtomic writes data to path without ever exposing a partial file.
// The bytes are written to a temp file in the destination directory (so the
// rename stays on one filesystem) and renamed over path. Missing parent
// directories are created.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+tmpMarker+"*")
	if err != nil {
		return fmt.Errorf("store: create temp file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close temp file for %q: %w", path, err)
	}
	// CreateTemp uses 0600; the final file should be a regular 0644.
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: chmod temp file for %q: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename temp file to %q: %w", path, err)
	}
	return nil
}

// IsTempFile reports whether name looks like a temp file left behind by an
// interrupted [WriteFileAtomic]. Only the base name is inspected.
func IsTempFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && strings.Contains(base, tmpMarker)
}
