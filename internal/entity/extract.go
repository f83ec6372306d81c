package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/lorekeep/lorekeep/pkg/knowledge"
	llm "github.com/lorekeep/lorekeep/pkg/provider/llm"
	"github.com/lorekeep/lorekeep/pkg/types"
)

const (
	defaultWindowTokens = 3000
	defaultTemperature  = 0.2

	// charsPerToken mirrors the providers' length-based token estimate.
	charsPerToken = 4
)

const systemPrompt = `You are an entity extraction assistant for tabletop role-playing game transcripts.

List the named entities of the game's fiction that appear in the transcript excerpt. Classify each as one of:
- "npc": a named person or creature
- "location": a named place
- "item": a named object or artifact
- "faction": an organisation, guild, cult, or house
- "quest": a named undertaking or job
- "lore": history, legends, deities, anything else of note

Rules:
- Fiction only. Skip the players, dice rolls, rules, and table talk.
- Use the fullest name mentioned; list shorter variants and nicknames in aliases.
- One entry per entity. Keep descriptions to one sentence grounded in the transcript.

Respond with ONLY a JSON array in this exact format (no markdown, no prose):
[
  {"name": "Seraphina Duskmantle", "kind": "npc", "description": "An elven rogue working for the Ember Court.", "aliases": ["Sera"]}
]`

// Option configures an [Extractor].
type Option func(*Extractor)

// WithWindowTokens overrides the per-window transcript budget.
// Default: 3000.
func WithWindowTokens(tokens int) Option {
	return func(e *Extractor) {
		if tokens > 0 {
			e.windowTokens = tokens
		}
	}
}

// WithTemperature sets the sampling temperature. Default: 0.2.
func WithTemperature(temp float64) Option {
	return func(e *Extractor) {
		e.temperature = temp
	}
}

// Extractor mines session transcripts for campaign entities. It is safe
// for concurrent use.
type Extractor struct {
	llm          llm.Provider
	catalog      knowledge.EntityCatalog
	windowTokens int
	temperature  float64
}

// NewExtractor returns an [Extractor] backed by the given provider and
// catalog.
func NewExtractor(provider llm.Provider, catalog knowledge.EntityCatalog, opts ...Option) *Extractor {
	e := &Extractor{
		llm:          provider,
		catalog:      catalog,
		windowTokens: defaultWindowTokens,
		temperature:  defaultTemperature,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract mines the transcript for entities and upserts every finding into
// the campaign's catalog. The transcript is split into token-budgeted
// windows; a window whose response cannot be parsed is logged and skipped,
// while a failed request or catalog write aborts the run. Findings are
// deduplicated across windows before touching the catalog, and a finding
// whose name the catalog already knows as an alias is folded into the
// existing entity.
//
// The returned entities are the stored records, ordered by name.
func (e *Extractor) Extract(ctx context.Context, campaignID string, segments []types.Segment) ([]knowledge.Entity, error) {
	windows := windowLines(segments, e.windowTokens)
	if len(windows) == 0 {
		return nil, nil
	}

	drafts := make(map[string]*finding)
	for i, w := range windows {
		resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: systemPrompt,
			Temperature:  e.temperature,
			Messages: []types.Message{
				{Role: "user", Content: "Transcript:\n" + w},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("entity: extract window %d/%d: %w", i+1, len(windows), err)
		}

		found, err := parseFindings(resp.Content)
		if err != nil {
			slog.Warn("unparseable entity extraction response, window skipped",
				"window", i+1, "windows", len(windows), "error", err)
			continue
		}
		for _, f := range found {
			mergeFinding(drafts, f)
		}
	}

	return e.upsertDrafts(ctx, campaignID, drafts)
}

func (e *Extractor) upsertDrafts(ctx context.Context, campaignID string, drafts map[string]*finding) ([]knowledge.Entity, error) {
	keys := make([]string, 0, len(drafts))
	for k := range drafts {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]knowledge.Entity, 0, len(keys))
	for _, k := range keys {
		f := drafts[k]

		// The model may report a nickname the catalog already knows as
		// an alias; resolve it so the upsert lands on the existing
		// entity instead of creating a twin.
		known, err := e.catalog.GetEntity(ctx, campaignID, f.Name)
		if err != nil {
			return nil, fmt.Errorf("entity: resolve %q: %w", f.Name, err)
		}
		name := f.Name
		aliases := f.Aliases
		if known != nil && !strings.EqualFold(known.Name, f.Name) {
			name = known.Name
			aliases = append(slices.Clone(aliases), f.Name)
		}

		stored, err := e.catalog.UpsertEntity(ctx, knowledge.Entity{
			CampaignID:  campaignID,
			Name:        name,
			Kind:        f.Kind,
			Aliases:     aliases,
			Description: f.Description,
		})
		if err != nil {
			return nil, fmt.Errorf("entity: upsert %q: %w", name, err)
		}
		out = append(out, *stored)
	}
	return out, nil
}

// finding is one entry of the model's JSON response.
type finding struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Description string   `json:"description"`
	Aliases     []string `json:"aliases"`
}

// parseFindings unmarshals the response. Entries without a name are
// dropped; kinds are lowercased but otherwise kept as the model reported
// them.
func parseFindings(content string) ([]finding, error) {
	cleaned := stripMarkdownFence(content)

	var fs []finding
	if err := json.Unmarshal([]byte(cleaned), &fs); err != nil {
		return nil, fmt.Errorf("entity: parse response: %w", err)
	}

	out := make([]finding, 0, len(fs))
	for _, f := range fs {
		f.Name = strings.TrimSpace(f.Name)
		if f.Name == "" {
			continue
		}
		f.Kind = strings.ToLower(strings.TrimSpace(f.Kind))
		f.Description = strings.TrimSpace(f.Description)
		f.Aliases = cleanAliases(f.Name, f.Aliases)
		out = append(out, f)
	}
	return out, nil
}

// mergeFinding folds f into drafts keyed by lowercased name. The first
// casing wins, aliases are unioned, the longer description is kept, and
// the first non-empty kind sticks.
func mergeFinding(drafts map[string]*finding, f finding) {
	key := strings.ToLower(f.Name)
	d, ok := drafts[key]
	if !ok {
		cp := f
		drafts[key] = &cp
		return
	}
	if d.Kind == "" {
		d.Kind = f.Kind
	}
	if len(f.Description) > len(d.Description) {
		d.Description = f.Description
	}
	for _, a := range f.Aliases {
		if !containsFold(d.Aliases, a) {
			d.Aliases = append(d.Aliases, a)
		}
	}
}

// cleanAliases trims, dedupes, and drops aliases that just repeat the name.
func cleanAliases(name string, aliases []string) []string {
	var out []string
	for _, a := range aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.EqualFold(a, name) {
			continue
		}
		if !containsFold(out, a) {
			out = append(out, a)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool {
		return strings.EqualFold(v, s)
	})
}

// windowLines packs "[speaker]: text" transcript lines into token-budgeted
// windows. Lines are never split; a single oversized line gets its own
// window.
func windowLines(segments []types.Segment, budget int) []string {
	var (
		out  []string
		b    strings.Builder
		used int
	)
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		name := seg.Character
		if name == "" {
			name = seg.Speaker
		}
		if name == "" {
			name = "unknown"
		}
		line := fmt.Sprintf("[%s]: %s", name, seg.Text)
		if seg.Kind == types.KindOOC {
			line = "(ooc) " + line
		}
		cost := len(line)/charsPerToken + 1
		if used > 0 && used+cost > budget {
			out = append(out, b.String())
			b.Reset()
			used = 0
		}
		b.WriteString(line)
		b.WriteByte('\n')
		used += cost
	}
	if used > 0 {
		out = append(out, b.String())
	}
	return out
}

// stripMarkdownFence removes optional markdown code fences (```json ... ```)
// that some models wrap around JSON output.
func stripMarkdownFence(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
