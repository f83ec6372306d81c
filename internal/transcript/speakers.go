package transcript

import (
	"slices"
	"strconv"
	"strings"

	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/transcript/phonetic"
	"github.com/lorekeep/lorekeep/pkg/types"
)

// Attribution reports how the speaker labels in a transcript were resolved
// against the party roster.
type Attribution struct {
	// Speakers maps each resolved label to its identity. An identity from
	// an override naming a player missing from the roster carries the
	// player name with no character.
	Speakers map[string]store.SpeakerIdentity

	// Unmapped lists labels no roster member could be found for, in
	// first-appearance order.
	Unmapped []string
}

// AttributeSpeakers fills Segment.Character for every segment whose speaker
// label resolves to a roster member, and returns the resolution record.
// The input slice is not modified.
//
// Labels resolve in this order:
//  1. Explicit overrides (label to player), from the --speakers flag.
//  2. Diarization index: SPEAKER_NN maps to the NNth roster member.
//  3. Exact player-name match, case-insensitive, raw then cleaned. Track
//     names from per-player recordings usually are player names.
//  4. Phonetic match of the cleaned label against player names, for track
//     names like "alise-02".
func AttributeSpeakers(segments []types.Segment, roster *store.Roster, overrides map[string]string) ([]types.Segment, *Attribution) {
	out := slices.Clone(segments)
	att := &Attribution{Speakers: make(map[string]store.SpeakerIdentity)}

	var players []string
	if roster != nil {
		players = make([]string, 0, len(roster.Members))
		for _, m := range roster.Members {
			players = append(players, m.Player)
		}
	}
	matcher := phonetic.New()

	// Resolve each distinct label once, in first-appearance order.
	seen := make(map[string]bool)
	for i := range out {
		label := out[i].Speaker
		if label == "" {
			continue
		}
		if !seen[label] {
			seen[label] = true
			identity, ok := resolveLabel(label, roster, overrides, matcher, players)
			if ok {
				att.Speakers[label] = identity
			} else {
				att.Unmapped = append(att.Unmapped, label)
			}
		}
		if identity, ok := att.Speakers[label]; ok && identity.Character != "" {
			out[i].Character = identity.Character
		}
	}
	return out, att
}

func resolveLabel(label string, roster *store.Roster, overrides map[string]string, matcher *phonetic.Matcher, players []string) (store.SpeakerIdentity, bool) {
	if player, ok := overrides[label]; ok {
		if roster != nil {
			if m, found := roster.MemberFor(player); found {
				return store.SpeakerIdentity{Player: m.Player, Character: m.Character}, true
			}
		}
		return store.SpeakerIdentity{Player: player}, true
	}

	if roster == nil || len(roster.Members) == 0 {
		return store.SpeakerIdentity{}, false
	}

	if idx, ok := speakerIndex(label); ok {
		if idx < len(roster.Members) {
			m := roster.Members[idx]
			return store.SpeakerIdentity{Player: m.Player, Character: m.Character}, true
		}
		return store.SpeakerIdentity{}, false
	}

	if m, found := roster.MemberFor(label); found {
		return store.SpeakerIdentity{Player: m.Player, Character: m.Character}, true
	}

	cleaned := cleanLabel(label)
	if cleaned == "" {
		return store.SpeakerIdentity{}, false
	}
	if m, found := roster.MemberFor(cleaned); found {
		return store.SpeakerIdentity{Player: m.Player, Character: m.Character}, true
	}
	if name, _, ok := matcher.Match(cleaned, players); ok {
		if m, found := roster.MemberFor(name); found {
			return store.SpeakerIdentity{Player: m.Player, Character: m.Character}, true
		}
	}

	return store.SpeakerIdentity{}, false
}

// speakerIndex parses the NN from a diarizer label like "SPEAKER_00".
func speakerIndex(label string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.ToUpper(label), "SPEAKER_")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// cleanLabel normalises a track name for player matching: separators become
// spaces and take-number tokens are dropped, so "alice_02" compares as
// "alice".
func cleanLabel(label string) string {
	mapped := strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', '.':
			return ' '
		}
		return r
	}, label)

	var kept []string
	for _, tok := range strings.Fields(mapped) {
		if isDigits(tok) {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
