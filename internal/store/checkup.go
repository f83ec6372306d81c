package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Finding kinds reported by [SessionStore.Checkup]. Kinds marked removable
// below are safe for [SessionStore.Cleanup] to delete; the rest need a
// human to decide.
const (
	// FindingMissingData is a session directory with files in it but no
	// data file. Either a run is in flight or one died before the final
	// write. Not removable: the partial outputs may be worth keeping.
	FindingMissingData = "missing_data_file"

	// FindingIDMismatch is a data file whose session_id disagrees with
	// the directory name. Not removable.
	FindingIDMismatch = "id_mismatch"

	// FindingUnknownCampaign is a session linked to a campaign id that
	// no longer exists. Not removable; migrate or re-tag instead.
	FindingUnknownCampaign = "unknown_campaign"

	// FindingStuckRunning is a status file still claiming "running" long
	// after its last update. The process is gone. Not removable, but a
	// resumed run will overwrite it.
	FindingStuckRunning = "stuck_running"

	// FindingOrphanIntermediates is an intermediate/ directory left
	// behind by a run that finished. Removable.
	FindingOrphanIntermediates = "orphan_intermediates"

	// FindingTempLeftover is an atomic-write temp file that never got
	// renamed into place. Removable.
	FindingTempLeftover = "tmp_leftover"

	// FindingEmptyDir is a session directory with nothing in it at all.
	// Removable.
	FindingEmptyDir = "empty_dir"
)

// Finding is one problem discovered while auditing the output root.
type Finding struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
	Path      string `json:"path,omitempty"`
	Detail    string `json:"detail,omitempty"`

	// Removable marks findings whose Path can be deleted without losing
	// anything a session needs.
	Removable bool `json:"removable"`
}

// CheckupOptions tunes the audit scan.
type CheckupOptions struct {
	// KnownCampaign reports whether a campaign id exists. Nil disables
	// the unknown-campaign check.
	KnownCampaign func(id string) bool

	// StaleAfter is how long a "running" status may go without an update
	// before it counts as stuck. Zero means one hour.
	StaleAfter time.Duration
}

// Checkup walks every session directory under the output root and reports
// inconsistencies. The scan is read-only; pass the findings to [Cleanup]
// to act on the removable ones.
func (s *SessionStore) Checkup(opts CheckupOptions) ([]Finding, error) {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Hour
	}

	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read output root %q: %w", s.root, err)
	}

	var findings []Finding
	for _, e := range entries {
		if !e.IsDir() {
			if IsTempFile(e.Name()) {
				findings = append(findings, Finding{
					Kind:      FindingTempLeftover,
					Path:      filepath.Join(s.root, e.Name()),
					Removable: true,
				})
			}
			continue
		}
		findings = append(findings, s.checkSession(e.Name(), opts)...)
	}
	return findings, nil
}

func (s *SessionStore) checkSession(id string, opts CheckupOptions) []Finding {
	dir := s.Dir(id)
	files, err := os.ReadDir(dir)
	if err != nil {
		return []Finding{{
			Kind:      FindingMissingData,
			SessionID: id,
			Path:      dir,
			Detail:    err.Error(),
		}}
	}

	var findings []Finding
	for _, f := range files {
		if IsTempFile(f.Name()) {
			findings = append(findings, Finding{
				Kind:      FindingTempLeftover,
				SessionID: id,
				Path:      filepath.Join(dir, f.Name()),
				Removable: true,
			})
		}
	}

	if len(files) == 0 {
		return []Finding{{
			Kind:      FindingEmptyDir,
			SessionID: id,
			Path:      dir,
			Removable: true,
		}}
	}

	if !s.Exists(id) {
		findings = append(findings, Finding{
			Kind:      FindingMissingData,
			SessionID: id,
			Path:      dir,
			Detail:    fmt.Sprintf("%d file(s) but no %s_data.json", len(files), id),
		})
	} else if sess, err := s.Read(id); err == nil {
		if sess.SessionID != id {
			findings = append(findings, Finding{
				Kind:      FindingIDMismatch,
				SessionID: id,
				Path:      s.DataPath(id),
				Detail:    fmt.Sprintf("data file says %q", sess.SessionID),
			})
		}
		if opts.KnownCampaign != nil && sess.Metadata.CampaignID != nil &&
			!opts.KnownCampaign(*sess.Metadata.CampaignID) {
			findings = append(findings, Finding{
				Kind:      FindingUnknownCampaign,
				SessionID: id,
				Path:      s.DataPath(id),
				Detail:    fmt.Sprintf("campaign %q not found", *sess.Metadata.CampaignID),
			})
		}
	}

	if st, err := ReadStatus(s.StatusPath(id)); err == nil {
		switch st.State {
		case StateRunning:
			if age := time.Since(st.UpdatedAt); age > opts.StaleAfter {
				findings = append(findings, Finding{
					Kind:      FindingStuckRunning,
					SessionID: id,
					Path:      s.StatusPath(id),
					Detail:    fmt.Sprintf("last update %s ago at stage %q", age.Round(time.Minute), st.Stage),
				})
			}
		case StateDone:
			if fi, err := os.Stat(s.IntermediateDir(id)); err == nil && fi.IsDir() {
				findings = append(findings, Finding{
					Kind:      FindingOrphanIntermediates,
					SessionID: id,
					Path:      s.IntermediateDir(id),
					Removable: true,
				})
			}
		}
	}

	return findings
}

// CleanupReport summarizes a [Cleanup] pass.
type CleanupReport struct {
	Removed []Finding
	Skipped []Finding
	Failed  []Finding
}

func (r CleanupReport) String() string {
	return fmt.Sprintf("removed %d, skipped %d, failed %d",
		len(r.Removed), len(r.Skipped), len(r.Failed))
}

// Cleanup deletes the removable findings' paths. Non-removable findings are
// reported back as skipped. With dryRun set nothing is touched and every
// removable finding lands in Removed, showing what a real run would do.
func (s *SessionStore) Cleanup(findings []Finding, dryRun bool) CleanupReport {
	var rep CleanupReport
	for _, f := range findings {
		if !f.Removable || f.Path == "" {
			rep.Skipped = append(rep.Skipped, f)
			continue
		}
		if dryRun {
			rep.Removed = append(rep.Removed, f)
			continue
		}
		if err := os.RemoveAll(f.Path); err != nil {
			f.Detail = err.Error()
			rep.Failed = append(rep.Failed, f)
			continue
		}
		rep.Removed = append(rep.Removed, f)
	}
	return rep
}
