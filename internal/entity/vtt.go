package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/lorekeep/lorekeep/pkg/knowledge"
)

// ─────────────────────────────────────────────────────────────────────────────
// Foundry VTT
// ─────────────────────────────────────────────────────────────────────────────

// foundryWorld is the top-level structure of a Foundry VTT world export.
// Unknown fields are silently ignored.
type foundryWorld struct {
	Actors  []foundryActor   `json:"actors"`
	Items   []foundryItem    `json:"items"`
	Journal []foundryJournal `json:"journal"`
}

type foundryActor struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Img  string `json:"img"`
}

type foundryItem struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Img  string `json:"img"`
}

type foundryJournal struct {
	ID      string `json:"_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	// Pages is the newer Foundry v10+ format; the first page's text is
	// used when the inline content is empty.
	Pages []foundryPage `json:"pages"`
}

type foundryPage struct {
	Name string          `json:"name"`
	Text foundryPageText `json:"text"`
}

type foundryPageText struct {
	Content string `json:"content"`
}

// ImportFoundryVTT imports a Foundry VTT world export (JSON) into the
// campaign's catalog: actors as NPCs, items as items, journal entries as
// lore. Returns the number of entities imported; a catalog error aborts
// the import and returns the count so far.
func ImportFoundryVTT(ctx context.Context, catalog knowledge.EntityCatalog, campaignID string, r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("entity: foundry vtt: read input: %w", err)
	}

	var world foundryWorld
	if err := json.Unmarshal(data, &world); err != nil {
		return 0, fmt.Errorf("entity: foundry vtt: parse json: %w", err)
	}

	var entities []knowledge.Entity

	for _, a := range world.Actors {
		if a.Name == "" {
			continue
		}
		attrs := map[string]any{"source": "foundry"}
		if a.ID != "" {
			attrs["foundry_id"] = a.ID
		}
		if a.Type != "" {
			attrs["actor_type"] = a.Type
		}
		if a.Img != "" {
			attrs["img"] = a.Img
		}
		entities = append(entities, knowledge.Entity{
			CampaignID: campaignID,
			Name:       a.Name,
			Kind:       KindNPC,
			Attributes: attrs,
		})
	}

	for _, item := range world.Items {
		if item.Name == "" {
			continue
		}
		attrs := map[string]any{"source": "foundry"}
		if item.ID != "" {
			attrs["foundry_id"] = item.ID
		}
		if item.Type != "" {
			attrs["item_type"] = item.Type
		}
		if item.Img != "" {
			attrs["img"] = item.Img
		}
		entities = append(entities, knowledge.Entity{
			CampaignID: campaignID,
			Name:       item.Name,
			Kind:       KindItem,
			Attributes: attrs,
		})
	}

	for _, j := range world.Journal {
		if j.Name == "" {
			continue
		}
		content := j.Content
		if content == "" && len(j.Pages) > 0 {
			content = j.Pages[0].Text.Content
		}
		attrs := map[string]any{"source": "foundry"}
		if j.ID != "" {
			attrs["foundry_id"] = j.ID
		}
		entities = append(entities, knowledge.Entity{
			CampaignID:  campaignID,
			Name:        j.Name,
			Kind:        KindLore,
			Description: stripHTMLTags(content),
			Attributes:  attrs,
		})
	}

	n, err := upsertAll(ctx, catalog, entities)
	if err != nil {
		return n, fmt.Errorf("entity: foundry vtt: import: %w", err)
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Roll20
// ─────────────────────────────────────────────────────────────────────────────

// roll20Export is the top-level structure of a Roll20 campaign export.
// Unknown fields are silently ignored.
type roll20Export struct {
	Schema     int               `json:"schema"`
	Characters []roll20Character `json:"characters"`
	Handouts   []roll20Handout   `json:"handouts"`
}

type roll20Character struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Bio     string         `json:"bio"`
	Attribs []roll20Attrib `json:"attribs"`
}

type roll20Attrib struct {
	Name    string `json:"name"`
	Current any    `json:"current"`
}

type roll20Handout struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Notes   string `json:"notes"`
	GMNotes string `json:"gmnotes"`
}

// ImportRoll20 imports a Roll20 campaign export (JSON) into the campaign's
// catalog: characters as NPCs, handouts as lore. Sheet attributes land in
// the entity's attributes verbatim. Returns the number of entities
// imported; a catalog error aborts the import and returns the count so far.
func ImportRoll20(ctx context.Context, catalog knowledge.EntityCatalog, campaignID string, r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("entity: roll20: read input: %w", err)
	}

	var export roll20Export
	if err := json.Unmarshal(data, &export); err != nil {
		return 0, fmt.Errorf("entity: roll20: parse json: %w", err)
	}

	var entities []knowledge.Entity

	for _, c := range export.Characters {
		if c.Name == "" {
			continue
		}
		attrs := map[string]any{"source": "roll20"}
		if c.ID != "" {
			attrs["roll20_id"] = c.ID
		}
		for _, attr := range c.Attribs {
			if attr.Name != "" {
				attrs[attr.Name] = attr.Current
			}
		}
		entities = append(entities, knowledge.Entity{
			CampaignID:  campaignID,
			Name:        c.Name,
			Kind:        KindNPC,
			Description: stripHTMLTags(c.Bio),
			Attributes:  attrs,
		})
	}

	for _, h := range export.Handouts {
		if h.Name == "" {
			continue
		}
		notes := stripHTMLTags(h.Notes)
		if notes == "" {
			notes = stripHTMLTags(h.GMNotes)
		}
		attrs := map[string]any{"source": "roll20"}
		if h.ID != "" {
			attrs["roll20_id"] = h.ID
		}
		entities = append(entities, knowledge.Entity{
			CampaignID:  campaignID,
			Name:        h.Name,
			Kind:        KindLore,
			Description: notes,
			Attributes:  attrs,
		})
	}

	n, err := upsertAll(ctx, catalog, entities)
	if err != nil {
		return n, fmt.Errorf("entity: roll20: import: %w", err)
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Shared helpers
// ─────────────────────────────────────────────────────────────────────────────

// stripHTMLTags removes HTML tags from s using a simple state machine.
// It is intentionally minimal, not a full HTML parser, but sufficient for
// the rich-text fields exported by Foundry VTT and Roll20.
func stripHTMLTags(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
