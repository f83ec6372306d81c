package migrate

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lorekeep/lorekeep/internal/store"
)

// Narratives backfills campaign_id into the frontmatter of every narrative
// under the output root. Only the frontmatter block is re-serialized — the
// Markdown body is carried through byte for byte — and existing keys keep
// their order, quoting, and comments because the rewrite edits the parsed
// YAML node tree instead of round-tripping through a struct.
func Narratives(campaigns *store.CampaignStore, outputRoot string, opts Options) (Report, error) {
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
		path := sessions.NarrativePath(e.Name())
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		rep.Scanned++

		switch err := migrateNarrativeFile(campaigns, path, opts); {
		case err == nil:
			rep.Migrated++
		case errors.Is(err, errAlreadyMigrated):
			rep.Skipped++
		default:
			rep.Failed++
			slog.Warn("narrative migration failed", "path", path, "error", err)
		}
	}
	return rep, nil
}

func migrateNarrativeFile(campaigns *store.CampaignStore, path string, opts Options) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	meta, body, err := store.SplitFrontmatter(raw)
	if err != nil {
		return err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(meta, &doc); err != nil {
		return fmt.Errorf("parse frontmatter: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return errors.New("frontmatter is not a mapping")
	}
	mapping := doc.Content[0]
	if mappingHas(mapping, "campaign_id") {
		return errAlreadyMigrated
	}

	key := &yaml.Node{Kind: yaml.ScalarNode, Value: "campaign_id"}
	val := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	if id, ok := campaignIDFor(campaigns, mappingValue(mapping, "campaign")); ok {
		val = &yaml.Node{Kind: yaml.ScalarNode, Value: id}
	}
	mapping.Content = insertPair(mapping.Content, "session_id", key, val)

	if opts.DryRun {
		return nil
	}
	newMeta, err := yaml.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("marshal frontmatter: %w", err)
	}
	return store.WriteFileAtomic(path, store.JoinFrontmatter(newMeta, body))
}

// mappingHas reports whether the mapping node carries key.
func mappingHas(m *yaml.Node, key string) bool {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return true
		}
	}
	return false
}

// mappingValue returns the scalar value for key, or "".
func mappingValue(m *yaml.Node, key string) string {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1].Value
		}
	}
	return ""
}

// insertPair places key/val right after the named key, or at the end of the
// mapping when that key is absent.
func insertPair(content []*yaml.Node, after string, key, val *yaml.Node) []*yaml.Node {
	for i := 0; i+1 < len(content); i += 2 {
		if content[i].Value != after {
			continue
		}
		out := make([]*yaml.Node, 0, len(content)+2)
		out = append(out, content[:i+2]...)
		out = append(out, key, val)
		out = append(out, content[i+2:]...)
		return out
	}
	return append(content, key, val)
}
