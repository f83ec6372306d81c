// Package phonetic matches misheard words against a known-name lexicon using
// Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity for ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the input and for each known name. If any code from the
//     input overlaps with any code from a name, the name becomes a phonetic
//     candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the name with the
//     highest Jaro-Winkler similarity (computed on the original strings,
//     case-insensitive) is selected, provided its score reaches the phonetic
//     threshold. When no phonetic candidate exists, a secondary pass tests
//     pure Jaro-Winkler similarity against all names at a higher fuzzy
//     threshold.
//
// Multi-word names ("Tower of Whispers") are supported: codes are computed
// per word and the best pairwise score across word pairs participates in
// ranking. The transcript corrector scans thousands of token windows against
// the same lexicon, so [PrepareEntities] precomputes the per-name codes once
// and [Matcher.MatchPrepared] reuses them.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched name to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher scores words against a lexicon. It is read-only after construction
// and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// EntitySet is a lexicon with precomputed phonetic codes. Prepare once per
// correction run, reuse for every window.
type EntitySet struct {
	entries  []preparedEntity
	maxWords int
}

type preparedEntity struct {
	name   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// PrepareEntities computes phonetic codes for every name. Blank names are
// dropped.
func PrepareEntities(names []string) *EntitySet {
	es := &EntitySet{}
	for _, name := range names {
		lower := strings.ToLower(strings.TrimSpace(name))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		es.entries = append(es.entries, preparedEntity{
			name:   strings.TrimSpace(name),
			lower:  lower,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
		if len(tokens) > es.maxWords {
			es.maxWords = len(tokens)
		}
	}
	return es
}

// MaxWords returns the token count of the longest prepared name. The
// corrector uses it to bound its n-gram window size.
func (es *EntitySet) MaxWords() int { return es.maxWords }

// Len returns the number of prepared names.
func (es *EntitySet) Len() int { return len(es.entries) }

// Match attempts to find the lexicon name most phonetically similar to word.
//
// word may be a single word or a space-separated phrase (n-gram). Return
// values: when matched is false, corrected equals word unchanged and
// confidence is 0.
func (m *Matcher) Match(word string, names []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, PrepareEntities(names))
}

// MatchPrepared is [Matcher.Match] against a precomputed [EntitySet].
func (m *Matcher) MatchPrepared(word string, es *EntitySet) (corrected string, confidence float64, matched bool) {
	if es == nil || es.Len() == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	type candidate struct {
		name     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, e := range es.entries {
		phoneticMatch := codesOverlap(inputCodes, e.codes)
		jwScore := bestJWScore(wordTokens, e.tokens, wordLower, e.lower)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold {
				// A phonetic candidate always outranks a fuzzy-only one.
				if !best.phonetic || jwScore > best.score {
					best = candidate{name: e.name, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= m.fuzzyThreshold && jwScore > best.score {
				best = candidate{name: e.name, score: jwScore, phonetic: false}
			}
		}
	}

	if best.name != "" {
		return best.name, best.score, true
	}
	return word, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (word too short, no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the input
// and the name using three strategies:
//
//  1. Full-string comparison ("elder nacks" vs "eldrinax").
//  2. Space-stripped comparison ("eldernacks" vs "eldrinax").
//  3. Best pairwise token comparison, for when one spoken word corresponds
//     to one name word.
func bestJWScore(inputTokens, nameTokens []string, inputFull, nameFull string) float64 {
	score := matchr.JaroWinkler(inputFull, nameFull, false)

	if len(inputTokens) > 1 || len(nameTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(nameTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, nt := range nameTokens {
			// Short name tokens ("of", "the") would let any similar
			// common word claim the whole multi-word name.
			if len(nt) < 4 {
				continue
			}
			if s := matchr.JaroWinkler(it, nt, false); s > score {
				score = s
			}
		}
	}

	return score
}
