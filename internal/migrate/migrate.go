// Package migrate backfills campaign linkage into files written before
// campaigns existed: session data files, character profiles, and narrative
// frontmatter.
//
// The migrations work on the raw documents — JSON as map[string]any, YAML
// frontmatter as [yaml.Node] — never through the typed structs, so keys the
// current code does not know about survive the rewrite. A file is migrated
// when it gains a campaign_id key; a name that cannot be resolved against
// the registry gets an explicit null, which still marks the file as
// migrated. That makes every migration idempotent: the second run finds the
// key present and reports zero changes.
//
// Failures are per-file: one unreadable file is counted and logged, and the
// pass moves on.
package migrate

import (
	"fmt"

	"github.com/lorekeep/lorekeep/internal/store"
)

// Options controls a migration pass.
type Options struct {
	// DryRun reports what would change without writing anything.
	DryRun bool
}

// Report aggregates one migration pass over a set of files.
type Report struct {
	// Scanned counts every candidate file examined.
	Scanned int

	// Migrated counts files that gained campaign linkage (or would have,
	// under DryRun).
	Migrated int

	// Skipped counts files that already carry a campaign_id key.
	Skipped int

	// Failed counts files that could not be read, parsed, or written.
	Failed int
}

// String renders the report the way the CLI prints it.
func (r Report) String() string {
	return fmt.Sprintf("scanned %d, migrated %d, skipped %d, failed %d",
		r.Scanned, r.Migrated, r.Skipped, r.Failed)
}

// campaignIDFor resolves a display name against the registry,
// case-insensitively. Returns ok=false for empty or unknown names; the
// caller writes an explicit null in that case.
func campaignIDFor(campaigns *store.CampaignStore, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	c, err := campaigns.GetByName(name)
	if err != nil {
		return "", false
	}
	return c.ID, true
}
