package entity_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lorekeep/lorekeep/internal/entity"
	"github.com/lorekeep/lorekeep/pkg/knowledge"
	kbmock "github.com/lorekeep/lorekeep/pkg/knowledge/mock"
)

const foundryWorldJSON = `{
  "actors": [
    {
      "_id": "actor-001",
      "name": "Balthazar the Wizard",
      "type": "npc",
      "img": "icons/wizard.png"
    },
    {
      "_id": "actor-002",
      "name": "Town Guard",
      "type": "npc",
      "img": ""
    }
  ],
  "items": [
    {
      "_id": "item-001",
      "name": "Sword of Dawn",
      "type": "weapon",
      "img": "icons/sword.png"
    }
  ],
  "journal": [
    {
      "_id": "journal-001",
      "name": "History of the Realm",
      "content": "<p>Long ago, in a land far away...</p>"
    },
    {
      "_id": "journal-002",
      "name": "The Prophecy",
      "content": "",
      "pages": [
        {
          "name": "Part 1",
          "text": { "content": "<p>Stars will align when...</p>" }
        }
      ]
    }
  ]
}`

const roll20JSON = `{
  "schema": 2,
  "characters": [
    {
      "id": "char-001",
      "name": "Seraphina",
      "bio": "<p>A skilled rogue from the eastern provinces.</p>",
      "attribs": [
        {"name": "strength", "current": 10, "max": 10},
        {"name": "dexterity", "current": 18, "max": 18}
      ]
    },
    {
      "id": "char-002",
      "name": "Bron the Smith",
      "bio": "",
      "attribs": []
    }
  ],
  "handouts": [
    {
      "id": "handout-001",
      "name": "The Ancient Map",
      "notes": "<p>A tattered map showing the path to the dungeon.</p>",
      "gmnotes": ""
    },
    {
      "id": "handout-002",
      "name": "Secret Notes",
      "notes": "",
      "gmnotes": "<p>Only for the DM: the treasure is cursed.</p>"
    }
  ]
}`

func TestImportFoundryVTT(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kb := kbmock.NewStore()

	n, err := entity.ImportFoundryVTT(ctx, kb, campaignID, strings.NewReader(foundryWorldJSON))
	if err != nil {
		t.Fatalf("ImportFoundryVTT: %v", err)
	}
	// 2 actors + 1 item + 2 journal entries.
	if n != 5 {
		t.Fatalf("ImportFoundryVTT imported %d entities, want 5", n)
	}

	npcs, err := kb.FindEntities(ctx, knowledge.EntityFilter{CampaignID: campaignID, Kind: entity.KindNPC})
	if err != nil {
		t.Fatalf("FindEntities(npc): %v", err)
	}
	if len(npcs) != 2 {
		t.Fatalf("npc count = %d, want 2", len(npcs))
	}
	balthazar := npcs[0]
	if balthazar.Name != "Balthazar the Wizard" {
		t.Fatalf("first npc = %q, want Balthazar the Wizard", balthazar.Name)
	}
	if balthazar.Attributes["foundry_id"] != "actor-001" {
		t.Errorf("foundry_id = %v, want actor-001", balthazar.Attributes["foundry_id"])
	}
	if balthazar.Attributes["actor_type"] != "npc" || balthazar.Attributes["img"] != "icons/wizard.png" {
		t.Errorf("actor attributes = %v", balthazar.Attributes)
	}
	if balthazar.Attributes["source"] != "foundry" {
		t.Errorf("source = %v, want foundry", balthazar.Attributes["source"])
	}

	items, err := kb.FindEntities(ctx, knowledge.EntityFilter{CampaignID: campaignID, Kind: entity.KindItem})
	if err != nil {
		t.Fatalf("FindEntities(item): %v", err)
	}
	if len(items) != 1 || items[0].Name != "Sword of Dawn" {
		t.Fatalf("items = %+v, want [Sword of Dawn]", items)
	}
	if items[0].Attributes["item_type"] != "weapon" {
		t.Errorf("item_type = %v, want weapon", items[0].Attributes["item_type"])
	}

	history, err := kb.GetEntity(ctx, campaignID, "History of the Realm")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if history == nil {
		t.Fatal("GetEntity: journal entry not imported")
	}
	if history.Kind != entity.KindLore {
		t.Errorf("journal kind = %q, want %q", history.Kind, entity.KindLore)
	}
	if history.Description != "Long ago, in a land far away..." {
		t.Errorf("journal description = %q, want HTML stripped", history.Description)
	}

	// Journal with empty inline content falls back to the first page.
	prophecy, err := kb.GetEntity(ctx, campaignID, "The Prophecy")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if prophecy == nil {
		t.Fatal("GetEntity: paged journal entry not imported")
	}
	if prophecy.Description != "Stars will align when..." {
		t.Errorf("paged journal description = %q, want page content", prophecy.Description)
	}
}

func TestImportFoundryVTT_EmptyWorld(t *testing.T) {
	t.Parallel()

	n, err := entity.ImportFoundryVTT(context.Background(), kbmock.NewStore(), campaignID,
		strings.NewReader(`{"actors": [], "items": [], "journal": []}`))
	if err != nil {
		t.Fatalf("ImportFoundryVTT: %v", err)
	}
	if n != 0 {
		t.Fatalf("ImportFoundryVTT imported %d entities from empty world, want 0", n)
	}
}

func TestImportFoundryVTT_InvalidJSON(t *testing.T) {
	t.Parallel()

	_, err := entity.ImportFoundryVTT(context.Background(), kbmock.NewStore(), campaignID,
		strings.NewReader("{not json}"))
	if err == nil {
		t.Fatal("ImportFoundryVTT: expected error for invalid JSON, got nil")
	}
}

func TestImportFoundryVTT_AbortsOnCatalogError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("catalog down")
	kb := kbmock.NewStore()
	kb.UpsertEntityErr = wantErr

	n, err := entity.ImportFoundryVTT(context.Background(), kb, campaignID,
		strings.NewReader(foundryWorldJSON))
	if !errors.Is(err, wantErr) {
		t.Fatalf("ImportFoundryVTT error = %v, want wrapped %v", err, wantErr)
	}
	if n != 0 {
		t.Errorf("ImportFoundryVTT imported %d entities before the error, want 0", n)
	}
}

func TestImportRoll20(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kb := kbmock.NewStore()

	n, err := entity.ImportRoll20(ctx, kb, campaignID, strings.NewReader(roll20JSON))
	if err != nil {
		t.Fatalf("ImportRoll20: %v", err)
	}
	// 2 characters + 2 handouts.
	if n != 4 {
		t.Fatalf("ImportRoll20 imported %d entities, want 4", n)
	}

	seraphina, err := kb.GetEntity(ctx, campaignID, "Seraphina")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if seraphina == nil {
		t.Fatal("GetEntity: character not imported")
	}
	if seraphina.Kind != entity.KindNPC {
		t.Errorf("character kind = %q, want %q", seraphina.Kind, entity.KindNPC)
	}
	// Sheet attributes carry over with their JSON types.
	if seraphina.Attributes["strength"] != float64(10) || seraphina.Attributes["dexterity"] != float64(18) {
		t.Errorf("sheet attributes = %v, want strength=10 dexterity=18", seraphina.Attributes)
	}
	if seraphina.Attributes["roll20_id"] != "char-001" {
		t.Errorf("roll20_id = %v, want char-001", seraphina.Attributes["roll20_id"])
	}
	if strings.Contains(seraphina.Description, "<p>") {
		t.Errorf("bio HTML not stripped: %q", seraphina.Description)
	}

	handout, err := kb.GetEntity(ctx, campaignID, "The Ancient Map")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if handout == nil {
		t.Fatal("GetEntity: handout not imported")
	}
	if handout.Kind != entity.KindLore {
		t.Errorf("handout kind = %q, want %q", handout.Kind, entity.KindLore)
	}
	if handout.Description != "A tattered map showing the path to the dungeon." {
		t.Errorf("handout description = %q, want HTML stripped", handout.Description)
	}

	// Empty notes fall back to gmnotes.
	secret, err := kb.GetEntity(ctx, campaignID, "Secret Notes")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if secret == nil {
		t.Fatal("GetEntity: gm-only handout not imported")
	}
	if secret.Description != "Only for the DM: the treasure is cursed." {
		t.Errorf("gm handout description = %q, want gmnotes fallback", secret.Description)
	}
}

func TestImportRoll20_EmptyExport(t *testing.T) {
	t.Parallel()

	n, err := entity.ImportRoll20(context.Background(), kbmock.NewStore(), campaignID,
		strings.NewReader(`{"schema": 2, "characters": [], "handouts": []}`))
	if err != nil {
		t.Fatalf("ImportRoll20: %v", err)
	}
	if n != 0 {
		t.Fatalf("ImportRoll20 imported %d entities from empty export, want 0", n)
	}
}

func TestImportRoll20_InvalidJSON(t *testing.T) {
	t.Parallel()

	_, err := entity.ImportRoll20(context.Background(), kbmock.NewStore(), campaignID,
		strings.NewReader("not json at all"))
	if err == nil {
		t.Fatal("ImportRoll20: expected error for invalid JSON, got nil")
	}
}
