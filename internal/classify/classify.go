// Package classify assigns an in-character / out-of-character kind to
// transcript segments.
//
// The [Classifier] numbers segments into batches, sends each batch to an
// [llm.Provider] with a strict JSON response contract, and validates every
// verdict before applying it. Anything the model gets wrong degrades rather
// than failing: verdicts with out-of-range indexes, unknown kinds, or
// impossible confidences fall back to the surface heuristics in [Heuristic];
// an unparseable response sends the whole batch through the heuristics; a
// failed request leaves the batch's segments unknown. Constructed without a
// provider, the classifier runs in heuristics-only mode.
//
// Segment confidence scores are not touched — that field belongs to the STT
// backend. Verdict confidences participate only in validation.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	llm "github.com/lorekeep/lorekeep/pkg/provider/llm"
	"github.com/lorekeep/lorekeep/pkg/types"
)

const (
	defaultBatchSize   = 40
	defaultTemperature = 0.1
)

const systemPrompt = `You are a dialogue classifier for tabletop role-playing game transcripts.

Each numbered line below is one transcript segment, prefixed with its speaker in brackets. Classify every segment as one of:
- "ic": in-character — dialogue spoken as a character, or narration of events inside the game's fiction.
- "ooc": out-of-character — table talk about rules, dice, scheduling, snacks, or anything in the real world.

Rules:
- Classify every segment. Do not skip, merge, or renumber lines.
- When a segment mixes both, choose the kind that covers most of it.
- Report confidence honestly; 1.0 means certain.

Respond with ONLY a JSON array in this exact format (no markdown, no prose):
[
  {"index": <segment number>, "kind": "ic", "confidence": 0.9},
  {"index": <segment number>, "kind": "ooc", "confidence": 0.7}
]`

// Outcome tallies one classification pass for logging and session stats.
type Outcome struct {
	// IC, OOC, and Unknown count the final kinds across all segments.
	IC      int
	OOC     int
	Unknown int

	// LLMBatches counts batches the model answered with parseable JSON.
	LLMBatches int

	// FailedBatches counts batches whose request failed outright; their
	// segments keep kind unknown.
	FailedBatches int

	// Fallbacks counts segments classified by heuristics instead of a
	// model verdict.
	Fallbacks int
}

// Option configures a [Classifier].
type Option func(*Classifier)

// WithBatchSize overrides how many segments go into one request.
// Default: 40.
func WithBatchSize(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(c *Classifier) {
		c.temperature = temp
	}
}

// WithCharacters supplies the known character names used by the IC-bias
// heuristic.
func WithCharacters(names []string) Option {
	return func(c *Classifier) {
		c.characters = names
	}
}

// Classifier assigns segment kinds. It is safe for concurrent use.
type Classifier struct {
	llm         llm.Provider
	batchSize   int
	temperature float64
	characters  []string
}

// New returns a [Classifier] backed by the given provider. A nil provider
// yields a heuristics-only classifier.
func New(provider llm.Provider, opts ...Option) *Classifier {
	c := &Classifier{
		llm:         provider,
		batchSize:   defaultBatchSize,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify returns a copy of segments with Kind populated, plus a tally of
// how each segment was decided. The error is non-nil only when ctx is
// cancelled between batches; model failures degrade per batch and are
// logged.
func (c *Classifier) Classify(ctx context.Context, segments []types.Segment) ([]types.Segment, Outcome, error) {
	out := slices.Clone(segments)
	var tally Outcome

	if c.llm == nil {
		for i := range out {
			c.applyHeuristic(&out[i], &tally)
		}
		tally.countKinds(out)
		return out, tally, nil
	}

	for start := 0; start < len(out); start += c.batchSize {
		if err := ctx.Err(); err != nil {
			tally.countKinds(out)
			return out, tally, err
		}
		end := min(start+c.batchSize, len(out))
		c.classifyBatch(ctx, out[start:end], &tally)
	}
	tally.countKinds(out)
	return out, tally, nil
}

// classifyBatch mutates batch in place. batch aliases the caller's slice.
func (c *Classifier) classifyBatch(ctx context.Context, batch []types.Segment, tally *Outcome) {
	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Temperature:  c.temperature,
		Messages: []types.Message{
			{Role: "user", Content: renderBatch(batch)},
		},
	}

	resp, err := c.llm.Complete(ctx, req)
	if err != nil {
		tally.FailedBatches++
		slog.Warn("classification batch failed, segments stay unknown",
			"segments", len(batch), "error", err)
		return
	}

	verdicts, err := parseVerdicts(resp.Content, len(batch))
	if err != nil {
		slog.Warn("unparseable classification response, using heuristics",
			"segments", len(batch), "error", err)
		for i := range batch {
			c.applyHeuristic(&batch[i], tally)
		}
		return
	}

	tally.LLMBatches++
	for i := range batch {
		if kind, ok := verdicts[i+1]; ok {
			batch[i].Kind = kind
		} else {
			c.applyHeuristic(&batch[i], tally)
		}
	}
}

func (c *Classifier) applyHeuristic(seg *types.Segment, tally *Outcome) {
	kind, _ := Heuristic(*seg, c.characters)
	seg.Kind = kind
	tally.Fallbacks++
}

// Count tallies the kinds already present on segments, without classifying
// anything. Useful for recomputing stats from a stored transcript.
func Count(segments []types.Segment) Outcome {
	var o Outcome
	o.countKinds(segments)
	return o
}

func (o *Outcome) countKinds(segments []types.Segment) {
	for _, seg := range segments {
		switch seg.Kind {
		case types.KindIC:
			o.IC++
		case types.KindOOC:
			o.OOC++
		default:
			o.Unknown++
		}
	}
}

// renderBatch numbers segments from 1 and labels each with its best speaker
// name, preferring the resolved character over the raw diarization label.
func renderBatch(batch []types.Segment) string {
	var sb strings.Builder
	for i, seg := range batch {
		speaker := seg.Character
		if speaker == "" {
			speaker = seg.Speaker
		}
		if speaker == "" {
			speaker = "unknown"
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, speaker, seg.Text)
	}
	return sb.String()
}

// verdict is one entry of the model's JSON response.
type verdict struct {
	Index      int     `json:"index"`
	Kind       string  `json:"kind"`
	Confidence float64 `json:"confidence"`
}

// parseVerdicts unmarshals the response and returns the valid verdicts keyed
// by 1-based segment number. Entries with an out-of-range index, a kind
// other than ic/ooc, a confidence outside [0, 1], or a duplicate index are
// dropped — the caller heuristically classifies those segments instead.
func parseVerdicts(content string, n int) (map[int]types.SegmentKind, error) {
	cleaned := stripMarkdown(content)

	var vs []verdict
	if err := json.Unmarshal([]byte(cleaned), &vs); err != nil {
		return nil, fmt.Errorf("classify: parse response: %w", err)
	}

	out := make(map[int]types.SegmentKind, len(vs))
	for _, v := range vs {
		kind := types.SegmentKind(v.Kind)
		if v.Index < 1 || v.Index > n {
			continue
		}
		if kind != types.KindIC && kind != types.KindOOC {
			continue
		}
		if v.Confidence < 0 || v.Confidence > 1 {
			continue
		}
		if _, dup := out[v.Index]; dup {
			continue
		}
		out[v.Index] = kind
	}
	return out, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripMarkdown(s string) string {
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
