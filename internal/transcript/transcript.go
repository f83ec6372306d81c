// Package transcript assembles the final session transcript: merging
// per-track STT output into one chronological stream, aligning diarization
// turns to segments, resolving speaker labels against the party roster, and
// correcting misheard proper nouns.
//
// Correction is two-stage. The phonetic stage scans token n-grams against a
// known-name lexicon (roster characters, campaign entities, profile names)
// and substitutes canonical spellings in place. The optional LLM stage
// reviews segments whose STT confidence is low, using the conservative
// JSON-contract corrector from [llmcorrect]. Every substitution considered
// is recorded as a [Correction], applied or not, so downstream consumers
// can audit or roll back changes.
package transcript

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/lorekeep/lorekeep/internal/transcript/llmcorrect"
	"github.com/lorekeep/lorekeep/internal/transcript/phonetic"
	"github.com/lorekeep/lorekeep/pkg/types"
)

const (
	// defaultApplyThreshold is the match confidence at or above which a
	// phonetic match is substituted into the transcript text.
	defaultApplyThreshold = 0.85

	// defaultSuggestThreshold is the match confidence at or above which a
	// phonetic match is recorded as a suggestion without altering text.
	defaultSuggestThreshold = 0.70

	// defaultLLMThreshold is the segment STT confidence below which the
	// LLM stage reviews a segment.
	defaultLLMThreshold = 0.5
)

// Correction records one proper-noun substitution considered during
// transcript correction.
type Correction struct {
	// SegmentID is the ID of the segment the correction belongs to.
	SegmentID int `json:"segment_id"`

	// Original is the text span as produced by the STT provider.
	Original string `json:"original"`

	// Corrected is the canonical name the span resolved to.
	Corrected string `json:"corrected"`

	// Confidence is the match confidence (0.0–1.0).
	Confidence float64 `json:"confidence"`

	// Method describes which stage produced this substitution:
	// "phonetic" or "llm".
	Method string `json:"method"`

	// Applied reports whether the substitution was written into the
	// transcript. Phonetic matches in the band between the suggest and
	// apply thresholds are recorded with Applied false.
	Applied bool `json:"applied"`
}

// Matcher resolves a token span to a known name by pronunciation
// similarity. [phonetic.Matcher] is the production implementation.
//
// When matched is false, corrected must equal word unchanged and confidence
// must be 0. Implementations must be safe for concurrent use.
type Matcher interface {
	Match(word string, names []string) (corrected string, confidence float64, matched bool)
}

var _ Matcher = (*phonetic.Matcher)(nil)

// CorrectorOption is a functional option for configuring a [Corrector].
type CorrectorOption func(*Corrector)

// WithMatcher attaches a [Matcher] as the phonetic correction stage. When
// nil (the default), the phonetic stage is skipped.
func WithMatcher(m Matcher) CorrectorOption {
	return func(c *Corrector) {
		c.matcher = m
	}
}

// WithLLMCorrector attaches an [llmcorrect.Corrector] as the LLM review
// stage. When nil (the default), the LLM stage is skipped.
func WithLLMCorrector(lc *llmcorrect.Corrector) CorrectorOption {
	return func(c *Corrector) {
		c.llm = lc
	}
}

// WithApplyThreshold sets the confidence at or above which a phonetic match
// is substituted into the text. Default: 0.85.
func WithApplyThreshold(t float64) CorrectorOption {
	return func(c *Corrector) {
		c.applyThreshold = t
	}
}

// WithSuggestThreshold sets the confidence at or above which a phonetic
// match below the apply threshold is recorded as an unapplied suggestion.
// Default: 0.70.
func WithSuggestThreshold(t float64) CorrectorOption {
	return func(c *Corrector) {
		c.suggestThreshold = t
	}
}

// WithLLMOnLowConfidence sets the segment STT confidence below which the
// LLM stage reviews a segment. Segments that report no confidence at all
// are never sent to the LLM. Default: 0.5.
func WithLLMOnLowConfidence(t float64) CorrectorOption {
	return func(c *Corrector) {
		c.llmThreshold = t
	}
}

// Corrector applies proper-noun correction to transcript segments. Both
// stages are optional and run in order: phonetic first, then LLM review of
// low-confidence segments. Corrector is safe for concurrent use.
type Corrector struct {
	matcher          Matcher
	llm              *llmcorrect.Corrector
	applyThreshold   float64
	suggestThreshold float64
	llmThreshold     float64
}

// NewCorrector constructs a [Corrector] with the supplied options. By
// default both stages are disabled; use [WithMatcher] and
// [WithLLMCorrector] to activate them.
func NewCorrector(opts ...CorrectorOption) *Corrector {
	c := &Corrector{
		applyThreshold:   defaultApplyThreshold,
		suggestThreshold: defaultSuggestThreshold,
		llmThreshold:     defaultLLMThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct runs the configured correction stages over segments and returns
// corrected copies together with the full substitution record. The input
// slice is not modified.
//
// Stage flow per segment:
//  1. The text is tokenised into whitespace-separated tokens and scanned
//     with n-gram windows up to the longest lexicon name, longest window
//     first, so multi-word names take precedence over partial single-word
//     matches. Punctuation at the window edges is preserved across
//     substitution. Matches at or above the apply threshold replace the
//     window with the canonical spelling; matches in the suggestion band
//     are recorded but leave the text alone.
//  2. When an LLM corrector is configured, segments whose reported STT
//     confidence is below the LLM threshold get a review pass. Unapplied
//     phonetic suggestions for the segment are forwarded as low-confidence
//     span hints.
//
// LLM transport failures abort the run; callers decide whether the stage
// is required. A segment whose text changed is returned with Corrected set.
func (c *Corrector) Correct(ctx context.Context, segments []types.Segment, lexicon []string) ([]types.Segment, []Correction, error) {
	out := slices.Clone(segments)
	corrections := []Correction{}

	if len(lexicon) == 0 || (c.matcher == nil && c.llm == nil) {
		return out, corrections, nil
	}

	// Unapplied suggestions per segment index, forwarded to the LLM stage.
	suggestions := make(map[int][]string)

	if c.matcher != nil {
		match, maxWords := c.matchFunc(lexicon)
		for i := range out {
			text, hits := c.applyPhonetic(out[i].Text, match, maxWords)
			for _, h := range hits {
				corrections = append(corrections, Correction{
					SegmentID:  out[i].ID,
					Original:   h.original,
					Corrected:  h.corrected,
					Confidence: h.confidence,
					Method:     "phonetic",
					Applied:    h.applied,
				})
				if !h.applied {
					suggestions[i] = append(suggestions[i], h.original)
				}
			}
			if text != out[i].Text {
				out[i].Text = text
				out[i].Corrected = true
			}
		}
	}

	if c.llm != nil {
		for i := range out {
			conf := out[i].Confidence
			if conf <= 0 || conf >= c.llmThreshold {
				continue
			}
			text, llmCorrections, err := c.llm.Correct(ctx, out[i].Text, lexicon, suggestions[i])
			if err != nil {
				return nil, nil, fmt.Errorf("transcript: llm correction for segment %d: %w", out[i].ID, err)
			}
			for _, lc := range llmCorrections {
				corrections = append(corrections, Correction{
					SegmentID:  out[i].ID,
					Original:   lc.Original,
					Corrected:  lc.Corrected,
					Confidence: lc.Confidence,
					Method:     "llm",
					Applied:    true,
				})
			}
			if text != out[i].Text {
				out[i].Text = text
				out[i].Corrected = true
			}
		}
	}

	return out, corrections, nil
}

// matchFunc returns the window-matching function and the n-gram window
// bound. When the matcher is the production [phonetic.Matcher], the lexicon
// codes are precomputed once and every window uses the fast path.
func (c *Corrector) matchFunc(lexicon []string) (func(string) (string, float64, bool), int) {
	if pm, ok := c.matcher.(*phonetic.Matcher); ok {
		es := phonetic.PrepareEntities(lexicon)
		return func(w string) (string, float64, bool) {
			return pm.MatchPrepared(w, es)
		}, es.MaxWords()
	}
	return func(w string) (string, float64, bool) {
		return c.matcher.Match(w, lexicon)
	}, maxWordCount(lexicon)
}

// phoneticHit is one match found while scanning a single segment.
type phoneticHit struct {
	original   string
	corrected  string
	confidence float64
	applied    bool
}

// applyPhonetic scans text with n-gram windows from maxWords down to 1 at
// each position. The first (longest) window that matches is consumed:
// applied matches emit the canonical name, suggestions emit the original
// tokens unchanged.
func (c *Corrector) applyPhonetic(text string, match func(string) (string, float64, bool), maxWords int) (string, []phoneticHit) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var output []string
	var hits []phoneticHit

	i := 0
	for i < len(tokens) {
		maxN := maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		consumed := 0
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			lead, core, trail := splitPunct(window)
			if core == "" {
				continue
			}
			entity, conf, ok := match(core)
			if !ok || entity == core {
				continue
			}

			if conf >= c.applyThreshold {
				output = append(output, strings.Fields(lead+entity+trail)...)
				hits = append(hits, phoneticHit{original: core, corrected: entity, confidence: conf, applied: true})
			} else if conf >= c.suggestThreshold {
				output = append(output, tokens[i:i+n]...)
				hits = append(hits, phoneticHit{original: core, corrected: entity, confidence: conf, applied: false})
			} else {
				continue
			}
			consumed = n
			break
		}

		if consumed == 0 {
			output = append(output, tokens[i])
			i++
		} else {
			i += consumed
		}
	}

	return strings.Join(output, " "), hits
}

const (
	leadingPunct  = "\"'("
	trailingPunct = ".,;:!?\"')"
)

// splitPunct separates punctuation at the edges of a token window from the
// matchable core, so "serafina." matches the lexicon and the period
// survives substitution.
func splitPunct(s string) (lead, core, trail string) {
	core = s
	i := 0
	for i < len(core) && strings.ContainsRune(leadingPunct, rune(core[i])) {
		i++
	}
	lead, core = core[:i], core[i:]

	j := len(core)
	for j > 0 && strings.ContainsRune(trailingPunct, rune(core[j-1])) {
		j--
	}
	trail, core = core[j:], core[:j]
	return lead, core, trail
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any lexicon name. Returns 1 when the lexicon is empty.
func maxWordCount(lexicon []string) int {
	max := 1
	for _, name := range lexicon {
		if n := len(strings.Fields(name)); n > max {
			max = n
		}
	}
	return max
}
