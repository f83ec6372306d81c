package classify

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lorekeep/lorekeep/pkg/types"
)

// diceNotation matches rolls like "d20", "2d6", "4d8" in lowercased text.
var diceNotation = regexp.MustCompile(`\b\d*d\d+\b`)

// rulesVocabulary matches game-mechanics terms and table-talk markers in
// lowercased text. Single ambiguous words ("perception", "save") are kept
// out; this layer only needs a bias, not a ruling.
var rulesVocabulary = regexp.MustCompile(`\b(` +
	`roll(s|ed|ing)?|initiative|saving throw|skill check|ability check|` +
	`perception check|attack roll|advantage|disadvantage|hit points?|` +
	`armor class|spell slots?|proficiency|crit(ical)?|nat(ural)? (1|20)|` +
	`xp|level(s)? up|short rest|long rest|stat block|rulebook|` +
	`character sheet|pizza|snacks?|bathroom|next (week|session)|schedule` +
	`)\b`)

// heuristicCeiling caps heuristic confidence; surface features are never a
// certain ruling.
const heuristicCeiling = 0.85

// Heuristic guesses a segment's kind from surface features alone: dice
// notation and rules vocabulary bias toward OOC, quoted speech and mention
// of a known character name bias toward IC. No signal, or an exact tie,
// yields unknown with zero confidence.
func Heuristic(seg types.Segment, characters []string) (types.SegmentKind, float64) {
	text := strings.ToLower(seg.Text)

	var ooc int
	if diceNotation.MatchString(text) {
		ooc += 2
	}
	ooc += len(rulesVocabulary.FindAllString(text, 3))

	var ic int
	if strings.Count(seg.Text, `"`) >= 2 || strings.ContainsRune(seg.Text, '“') {
		ic++
	}
	for _, name := range characters {
		if containsName(text, strings.ToLower(name)) {
			ic++
			break
		}
	}

	switch {
	case ooc > ic:
		return types.KindOOC, heuristicConfidence(ooc - ic)
	case ic > ooc:
		return types.KindIC, heuristicConfidence(ic - ooc)
	default:
		return types.KindUnknown, 0
	}
}

func heuristicConfidence(margin int) float64 {
	c := 0.5 + 0.1*float64(margin)
	return min(c, heuristicCeiling)
}

// containsName reports whether text contains name bounded by non-letter,
// non-digit runes on both sides. Rune-based so names like "éowyn" get real
// word boundaries, which regexp's ASCII \b cannot give them.
func containsName(text, name string) bool {
	if name == "" {
		return false
	}
	for start := 0; ; start++ {
		idx := strings.Index(text[start:], name)
		if idx < 0 {
			return false
		}
		start += idx
		if boundaryBefore(text, start) && boundaryAfter(text, start+len(name)) {
			return true
		}
	}
}

func boundaryBefore(s string, idx int) bool {
	if idx == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:idx])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(s string, idx int) bool {
	if idx >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[idx:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
