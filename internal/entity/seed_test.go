package entity_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lorekeep/lorekeep/internal/entity"
	"github.com/lorekeep/lorekeep/pkg/knowledge"
	kbmock "github.com/lorekeep/lorekeep/pkg/knowledge/mock"
)

const validSeedYAML = `
campaign: "Curse of the Ember Court"
entities:
  - name: "Seraphina Duskmantle"
    kind: npc
    description: "An elven rogue in service of the Ember Court."
    aliases:
      - Sera
    attributes:
      disposition: friendly
  - name: "Ember Ward Gate"
    kind: location
    description: "The north gate of the city."
`

const minimalSeedYAML = `
campaign: "Minimal"
entities: []
`

func TestLoadSeed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		input        string
		wantCampaign string
		wantCount    int
	}{
		{
			name:         "valid seed",
			input:        validSeedYAML,
			wantCampaign: "Curse of the Ember Court",
			wantCount:    2,
		},
		{
			name:         "minimal seed no entities",
			input:        minimalSeedYAML,
			wantCampaign: "Minimal",
			wantCount:    0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sf, err := entity.LoadSeed(strings.NewReader(tc.input))
			if err != nil {
				t.Fatalf("LoadSeed: %v", err)
			}
			if sf.Campaign != tc.wantCampaign {
				t.Errorf("campaign = %q, want %q", sf.Campaign, tc.wantCampaign)
			}
			if len(sf.Entities) != tc.wantCount {
				t.Errorf("entity count = %d, want %d", len(sf.Entities), tc.wantCount)
			}
		})
	}
}

func TestLoadSeed_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "completely invalid YAML",
			input: ":::not valid yaml:::",
		},
		{
			name:  "unknown top-level key",
			input: "campaign: x\nunknown_key: true\n",
		},
		{
			name:  "unknown entity key",
			input: "campaign: x\nentities:\n  - name: Thrag\n    kind: npc\n    hit_points: 42\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := entity.LoadSeed(strings.NewReader(tc.input))
			if err == nil {
				t.Fatal("LoadSeed: expected error for invalid input, got nil")
			}
		})
	}
}

func TestLoadSeed_ValidationReportsEveryProblem(t *testing.T) {
	t.Parallel()

	const input = `
campaign: x
entities:
  - name: ""
    kind: npc
  - name: "Thrag"
    kind: creature
`
	_, err := entity.LoadSeed(strings.NewReader(input))
	if err == nil {
		t.Fatal("LoadSeed: expected validation error, got nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "entities[0]") || !strings.Contains(msg, "name must not be empty") {
		t.Errorf("error missing empty-name report: %v", err)
	}
	if !strings.Contains(msg, "entities[1]") || !strings.Contains(msg, `"creature"`) {
		t.Errorf("error missing bad-kind report: %v", err)
	}
}

func TestLoadSeedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(validSeedYAML), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}

	sf, err := entity.LoadSeedFile(path)
	if err != nil {
		t.Fatalf("LoadSeedFile: %v", err)
	}
	if len(sf.Entities) != 2 {
		t.Errorf("entity count = %d, want 2", len(sf.Entities))
	}

	if _, err := entity.LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadSeedFile: expected error for missing file, got nil")
	}
}

func TestSeed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kb := kbmock.NewStore()

	sf, err := entity.LoadSeed(strings.NewReader(validSeedYAML))
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}

	n, err := entity.Seed(ctx, kb, campaignID, sf)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Seed imported %d entities, want 2", n)
	}

	sera, err := kb.GetEntity(ctx, campaignID, "Sera")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if sera == nil {
		t.Fatal("GetEntity: alias lookup returned nothing")
	}
	if sera.Name != "Seraphina Duskmantle" || sera.Kind != entity.KindNPC {
		t.Errorf("stored entity = %q (%s), want Seraphina Duskmantle (npc)", sera.Name, sera.Kind)
	}
	if sera.Attributes["disposition"] != "friendly" {
		t.Errorf("attributes = %v, want disposition=friendly", sera.Attributes)
	}

	locations, err := kb.FindEntities(ctx, knowledge.EntityFilter{CampaignID: campaignID, Kind: entity.KindLocation})
	if err != nil {
		t.Fatalf("FindEntities: %v", err)
	}
	if len(locations) != 1 || locations[0].Name != "Ember Ward Gate" {
		t.Errorf("locations = %+v, want [Ember Ward Gate]", locations)
	}
}

func TestSeed_NilFile(t *testing.T) {
	t.Parallel()

	if _, err := entity.Seed(context.Background(), kbmock.NewStore(), campaignID, nil); err == nil {
		t.Fatal("Seed: expected error for nil seed file, got nil")
	}
}

func TestSeed_AbortsOnCatalogError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("catalog down")
	kb := kbmock.NewStore()
	kb.UpsertEntityErr = wantErr

	sf, err := entity.LoadSeed(strings.NewReader(validSeedYAML))
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}

	n, err := entity.Seed(context.Background(), kb, campaignID, sf)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Seed error = %v, want wrapped %v", err, wantErr)
	}
	if n != 0 {
		t.Errorf("Seed imported %d entities before the error, want 0", n)
	}
}
