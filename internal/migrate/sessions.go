package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/lorekeep/lorekeep/internal/store"
)

// Sessions backfills campaign_id into every session data file under the
// output root whose metadata block predates campaign linkage. The id is
// resolved from the file's campaign_name; unknown names get null. Files
// whose metadata already carries the key — even as null — are skipped.
func Sessions(campaigns *store.CampaignStore, outputRoot string, opts Options) (Report, error) {
	var rep Report

	sessions := store.NewSessionStore(outputRoot)
	entries, err := os.ReadDir(outputRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("migrate: read output root: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := sessions.DataPath(e.Name())
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		rep.Scanned++

		switch err := migrateSessionFile(campaigns, path, opts); {
		case err == nil:
			rep.Migrated++
		case errors.Is(err, errAlreadyMigrated):
			rep.Skipped++
		default:
			rep.Failed++
			slog.Warn("session migration failed", "path", path, "error", err)
		}
	}
	return rep, nil
}

// errAlreadyMigrated signals that a file carries a campaign_id key and
// needs no rewrite.
var errAlreadyMigrated = errors.New("already migrated")

func migrateSessionFile(campaigns *store.CampaignStore, path string, opts Options) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	meta, ok := doc["metadata"].(map[string]any)
	if !ok {
		return errors.New("no metadata object")
	}
	if _, has := meta["campaign_id"]; has {
		return errAlreadyMigrated
	}

	name, _ := meta["campaign_name"].(string)
	if id, ok := campaignIDFor(campaigns, name); ok {
		meta["campaign_id"] = id
	} else {
		meta["campaign_id"] = nil
	}
	doc["schema_version"] = store.SessionSchemaVersion

	if opts.DryRun {
		return nil
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, append(out, '\n'))
}
