// Package narrative turns a processed session transcript into a written
// recap: a titled Markdown narrative with an optional scene list, plus the
// one-paragraph summary stored in the session stats.
//
// Long transcripts are summarised map-reduce style: the segment list is cut
// into token-budgeted windows, each window is condensed on its own, and the
// partial summaries are composed into the final prose. A transcript that
// fits one window goes straight to the final pass. In-character lines carry
// the story; out-of-character lines are marked "(ooc)" so the model treats
// them as table talk that only matters where it settles an outcome.
//
// Scene extraction and the stats summary degrade gracefully: a failed scene
// call drops the scene list with a warning, and a failed summary call falls
// back to the narrative's first paragraph. Only transcript condensation and
// the final composition are fatal.
package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/pkg/provider/llm"
	"github.com/lorekeep/lorekeep/pkg/types"
)

const (
	// defaultWindowTokens bounds the transcript text sent in one map call.
	// Sized for small local-model contexts with room for the prompt.
	defaultWindowTokens = 3000

	defaultTemperature = 0.3

	// charsPerToken mirrors the providers' length-based token estimate.
	charsPerToken = 4
)

const condensePrompt = `You are condensing part of a tabletop RPG session transcript.
Lines look like "[Character]: dialogue"; lines marked (ooc) are table talk.

Write a dense, factual summary of what happens in this excerpt, in order.
Preserve: key decisions, revealed information, emotional states, promises
made, and any game-mechanical outcomes. Build the account from in-character
lines; use (ooc) lines only where they settle an outcome, such as a dice
roll or a ruling. Do not invent events. Plain prose, no headings.`

const composePrompt = `You are the chronicler of a tabletop RPG campaign.
Turn the session material below into a narrative in Markdown.

Start with a single "# " heading that names the episode, then tell the
story in past tense from an in-world perspective. Stay faithful to the
events given and do not invent outcomes. Keep table talk out of the prose
except where a ruling changed the story.`

const summaryPrompt = `Summarise the following session narrative in one
paragraph of three to five sentences. Name the major events and their
consequences. Plain text only, no headings.`

const scenePrompt = `Split the session narrative below into scenes.

Respond with ONLY a JSON array in this exact format (no markdown, no prose):
[
  {"title": "The Broken Seal", "synopsis": "One sentence on what happens."}
]

Rules:
- 3 to 10 scenes, in story order.
- Titles are short and concrete.
- Each synopsis is a single sentence.`

// Scene is one entry of the extracted scene list.
type Scene struct {
	Title    string `json:"title"`
	Synopsis string `json:"synopsis"`
}

// Result is everything one generation run produces. The caller decides
// where it goes: Narrative to output/<sid>/narrative.md, Summary into the
// session stats.
type Result struct {
	Narrative *store.Narrative

	// Summary is the one-paragraph recap for the session stats.
	Summary string

	// Scenes is the parsed scene list, empty when extraction was skipped
	// or failed.
	Scenes []Scene

	// Windows is how many transcript windows the map phase condensed.
	Windows int
}

// Option configures a Generator.
type Option func(*Generator)

// WithTemperature overrides the sampling temperature for all calls.
func WithTemperature(temp float64) Option {
	return func(g *Generator) { g.temperature = temp }
}

// WithWindowTokens overrides the per-window transcript budget.
func WithWindowTokens(tokens int) Option {
	return func(g *Generator) {
		if tokens > 0 {
			g.windowTokens = tokens
		}
	}
}

// WithoutScenes disables scene extraction entirely.
func WithoutScenes() Option {
	return func(g *Generator) { g.noScenes = true }
}

// Generator writes session narratives using an LLM provider.
type Generator struct {
	llm          llm.Provider
	temperature  float64
	windowTokens int
	noScenes     bool
}

// New creates a Generator backed by provider.
func New(provider llm.Provider, opts ...Option) *Generator {
	g := &Generator{
		llm:          provider,
		temperature:  defaultTemperature,
		windowTokens: defaultWindowTokens,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate produces the narrative, scene list, and stats summary for sess.
// It does not touch the filesystem; the caller persists the result.
func (g *Generator) Generate(ctx context.Context, sess *store.Session) (*Result, error) {
	if g.llm == nil {
		return nil, fmt.Errorf("narrative: no llm provider configured")
	}

	windows := g.windows(sess.Segments)
	if len(windows) == 0 {
		return nil, fmt.Errorf("narrative: session %q has no transcript text", sess.SessionID)
	}

	// Map phase. A single window skips straight to composition.
	material := windows[0]
	if len(windows) > 1 {
		partials := make([]string, len(windows))
		for i, w := range windows {
			part, err := g.complete(ctx, condensePrompt, w)
			if err != nil {
				return nil, fmt.Errorf("narrative: condense window %d/%d: %w", i+1, len(windows), err)
			}
			partials[i] = strings.TrimSpace(part)
		}
		material = strings.Join(partials, "\n\n")
	}

	prose, err := g.complete(ctx, composePrompt, material)
	if err != nil {
		return nil, fmt.Errorf("narrative: compose: %w", err)
	}
	title, body := titleAndBody(prose, "Session "+sess.SessionID)

	summary, err := g.complete(ctx, summaryPrompt, body)
	if err != nil {
		summary = firstParagraph(body)
		slog.Warn("narrative summary failed, using first paragraph",
			"session", sess.SessionID, "error", err)
	}
	summary = strings.TrimSpace(summary)

	var scenes []Scene
	if !g.noScenes {
		scenes, err = g.extractScenes(ctx, body)
		if err != nil {
			slog.Warn("scene extraction failed, narrative has no scene list",
				"session", sess.SessionID, "error", err)
			scenes = nil
		}
	}
	if len(scenes) > 0 {
		body += scenesSection(scenes)
	}
	body += "\n"

	n := &store.Narrative{
		Meta: store.NarrativeMeta{
			SessionID:  sess.SessionID,
			CampaignID: sess.Metadata.CampaignID,
			Campaign:   sess.Metadata.CampaignName,
			Title:      title,
			Date:       sess.Metadata.ProcessedAt.Format("2006-01-02"),
			Model:      g.llm.ModelID(),
			WordCount:  len(strings.Fields(body)),
		},
		Body: body,
	}
	return &Result{
		Narrative: n,
		Summary:   summary,
		Scenes:    scenes,
		Windows:   len(windows),
	}, nil
}

// windows packs formatted transcript lines into token-budgeted strings.
// Lines are never split; a single oversized line gets its own window.
func (g *Generator) windows(segments []types.Segment) []string {
	var (
		out  []string
		b    strings.Builder
		used int
	)
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		line := formatSegment(seg)
		cost := len(line)/charsPerToken + 1
		if used > 0 && used+cost > g.windowTokens {
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

func formatSegment(seg types.Segment) string {
	name := seg.Character
	if name == "" {
		name = seg.Speaker
	}
	if name == "" {
		name = "unknown"
	}
	if seg.Kind == types.KindOOC {
		return fmt.Sprintf("(ooc) [%s]: %s", name, seg.Text)
	}
	return fmt.Sprintf("[%s]: %s", name, seg.Text)
}

func (g *Generator) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: user}},
		Temperature:  g.temperature,
		SystemPrompt: system,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (g *Generator) extractScenes(ctx context.Context, body string) ([]Scene, error) {
	raw, err := g.complete(ctx, scenePrompt, body)
	if err != nil {
		return nil, err
	}
	return parseScenes(raw)
}

func parseScenes(raw string) ([]Scene, error) {
	cleaned := stripMarkdown(raw)
	var scenes []Scene
	if err := json.Unmarshal([]byte(cleaned), &scenes); err != nil {
		return nil, fmt.Errorf("parse scene list: %w", err)
	}
	kept := scenes[:0]
	for _, sc := range scenes {
		sc.Title = strings.TrimSpace(sc.Title)
		sc.Synopsis = strings.TrimSpace(sc.Synopsis)
		if sc.Title == "" {
			continue
		}
		kept = append(kept, sc)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("parse scene list: no usable entries")
	}
	return kept, nil
}

func scenesSection(scenes []Scene) string {
	var b strings.Builder
	b.WriteString("\n\n## Scenes\n")
	for i, sc := range scenes {
		fmt.Fprintf(&b, "\n%d. **%s**: %s", i+1, sc.Title, sc.Synopsis)
	}
	return b.String()
}

// titleAndBody extracts the model's "# " heading as the title. When the
// model skipped the heading, fallback becomes the title and a heading is
// prepended so the file still opens with one.
func titleAndBody(prose, fallback string) (title, body string) {
	prose = strings.TrimSpace(prose)
	if rest, ok := strings.CutPrefix(prose, "# "); ok {
		line, _, _ := strings.Cut(rest, "\n")
		if t := strings.TrimSpace(line); t != "" {
			return t, prose
		}
	}
	return fallback, "# " + fallback + "\n\n" + prose
}

func firstParagraph(body string) string {
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" || strings.HasPrefix(para, "#") {
			continue
		}
		return para
	}
	return ""
}

// stripMarkdown removes a ```json code fence if the model wrapped its
// response in one despite instructions.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	if after, ok := strings.CutPrefix(s, "```json"); ok {
		s = after
	} else if after, ok := strings.CutPrefix(s, "```"); ok {
		s = after
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
