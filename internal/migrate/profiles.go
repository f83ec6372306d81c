package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lorekeep/lorekeep/internal/store"
)

// Profiles rewrites legacy character profiles in dir: the old free-text
// campaign field moves to campaign_name, a resolved (or null) campaign_id
// is added, and the legacy key is dropped. Every other key in the file is
// carried through untouched. Profiles that already have campaign_id are
// skipped.
func Profiles(campaigns *store.CampaignStore, dir string, opts Options) (Report, error) {
	var rep Report

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("migrate: read profiles dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || store.IsTempFile(name) {
			continue
		}
		path := filepath.Join(dir, name)
		rep.Scanned++

		switch err := migrateProfileFile(campaigns, path, opts); {
		case err == nil:
			rep.Migrated++
		case errors.Is(err, errAlreadyMigrated):
			rep.Skipped++
		default:
			rep.Failed++
			slog.Warn("profile migration failed", "path", path, "error", err)
		}
	}
	return rep, nil
}

func migrateProfileFile(campaigns *store.CampaignStore, path string, opts Options) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if _, has := doc["campaign_id"]; has {
		return errAlreadyMigrated
	}

	legacy, _ := doc["campaign"].(string)
	if legacy != "" {
		if _, has := doc["campaign_name"]; !has {
			doc["campaign_name"] = legacy
		}
	}
	delete(doc, "campaign")

	// Resolve against whichever name the file ends up with.
	name, _ := doc["campaign_name"].(string)
	if id, ok := campaignIDFor(campaigns, name); ok {
		doc["campaign_id"] = id
	} else {
		doc["campaign_id"] = nil
	}
	doc["schema_version"] = store.ProfileSchemaVersion

	if opts.DryRun {
		return nil
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, append(out, '\n'))
}
