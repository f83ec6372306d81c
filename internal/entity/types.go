// Package entity populates the campaign entity catalog.
//
// Three sources feed the catalog: the [Extractor] mines session
// transcripts with an LLM, [Seed] imports hand-written campaign YAML, and
// the VTT importers convert Foundry VTT and Roll20 exports. All of them
// converge on the catalog's upsert, so repeated imports refine entities
// instead of duplicating them.
package entity

// Entity kinds recognized across the catalog sources. The seed loader
// enforces them; the extractor asks the model for them but stores novel
// kinds as reported.
const (
	// KindNPC is a named person or creature.
	KindNPC = "npc"

	// KindLocation is a named place in the game world.
	KindLocation = "location"

	// KindItem is a named object or artifact.
	KindItem = "item"

	// KindFaction is an organisation, guild, cult, or house.
	KindFaction = "faction"

	// KindQuest is a named undertaking, mission, or story hook.
	KindQuest = "quest"

	// KindLore covers history, legends, deities, and journal material.
	KindLore = "lore"
)

// ValidKind reports whether kind is one of the recognized entity kinds.
func ValidKind(kind string) bool {
	switch kind {
	case KindNPC, KindLocation, KindItem, KindFaction, KindQuest, KindLore:
		return true
	}
	return false
}
