package entity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lorekeep/lorekeep/pkg/knowledge"
)

// SeedFile is the top-level structure of a campaign seed YAML file.
//
// Example:
//
//	campaign: "Curse of the Ember Court"
//	entities:
//	  - name: "Seraphina Duskmantle"
//	    kind: npc
//	    description: "An elven rogue in service of the Ember Court."
//	    aliases: ["Sera"]
type SeedFile struct {
	// Campaign is the campaign's display name. Informational only; the
	// target campaign is chosen by the caller.
	Campaign string `yaml:"campaign"`

	Entities []SeedEntity `yaml:"entities"`
}

// SeedEntity is one hand-written entity in a seed file.
type SeedEntity struct {
	Name        string         `yaml:"name"`
	Kind        string         `yaml:"kind"`
	Description string         `yaml:"description"`
	Aliases     []string       `yaml:"aliases"`
	Attributes  map[string]any `yaml:"attributes"`
}

// LoadSeedFile reads, parses, and validates a seed YAML file from disk.
func LoadSeedFile(path string) (*SeedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("entity: open seed file %q: %w", path, err)
	}
	defer f.Close()

	sf, err := LoadSeed(f)
	if err != nil {
		return nil, fmt.Errorf("entity: parse seed file %q: %w", path, err)
	}
	return sf, nil
}

// LoadSeed parses and validates seed YAML from an [io.Reader].
// Unknown keys are rejected to catch typos.
func LoadSeed(r io.Reader) (*SeedFile, error) {
	var sf SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil {
		return nil, fmt.Errorf("entity: decode seed yaml: %w", err)
	}
	if err := sf.validate(); err != nil {
		return nil, err
	}
	return &sf, nil
}

// validate checks every entity for a name and a recognized kind. All
// problems are reported at once.
func (sf *SeedFile) validate() error {
	var errs []error
	for i, e := range sf.Entities {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("entities[%d]: name must not be empty", i))
		}
		if !ValidKind(e.Kind) {
			errs = append(errs, fmt.Errorf("entities[%d]: kind %q is not a recognized entity kind", i, e.Kind))
		}
	}
	return errors.Join(errs...)
}

// Seed imports all entities from a parsed [SeedFile] into the campaign's
// catalog. Returns the number of entities imported; an error from the
// catalog aborts the import and returns the count so far.
func Seed(ctx context.Context, catalog knowledge.EntityCatalog, campaignID string, sf *SeedFile) (int, error) {
	if sf == nil {
		return 0, errors.New("entity: seed file must not be nil")
	}

	entities := make([]knowledge.Entity, 0, len(sf.Entities))
	for _, e := range sf.Entities {
		entities = append(entities, knowledge.Entity{
			CampaignID:  campaignID,
			Name:        e.Name,
			Kind:        e.Kind,
			Aliases:     e.Aliases,
			Description: e.Description,
			Attributes:  e.Attributes,
		})
	}

	n, err := upsertAll(ctx, catalog, entities)
	if err != nil {
		return n, fmt.Errorf("entity: seed campaign %q: %w", sf.Campaign, err)
	}
	return n, nil
}

// upsertAll writes entities to the catalog one by one, returning the count
// written. The first error aborts the batch.
func upsertAll(ctx context.Context, catalog knowledge.EntityCatalog, entities []knowledge.Entity) (int, error) {
	for i, e := range entities {
		if _, err := catalog.UpsertEntity(ctx, e); err != nil {
			return i, fmt.Errorf("upsert %q: %w", e.Name, err)
		}
	}
	return len(entities), nil
}
