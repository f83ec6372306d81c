package classify_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lorekeep/lorekeep/internal/classify"
	llm "github.com/lorekeep/lorekeep/pkg/provider/llm"
	"github.com/lorekeep/lorekeep/pkg/provider/llm/mock"
	"github.com/lorekeep/lorekeep/pkg/types"
)

func testSegments() []types.Segment {
	return []types.Segment{
		{ID: 0, Speaker: "Alice", Character: "Seraphina", Text: "I step toward the altar and raise my staff.", Confidence: 0.93},
		{ID: 1, Speaker: "Bob", Text: "Hang on, do I add my proficiency to this roll?"},
		{ID: 2, Speaker: "DM", Text: "The chamber falls silent as the staff begins to glow."},
	}
}

func TestClassify_AppliesVerdicts(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `[
				{"index": 1, "kind": "ic", "confidence": 0.95},
				{"index": 2, "kind": "ooc", "confidence": 0.8},
				{"index": 3, "kind": "ic", "confidence": 0.7}
			]`,
		},
	}
	c := classify.New(p)

	in := testSegments()
	out, tally, err := c.Classify(context.Background(), in)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	wantKinds := []types.SegmentKind{types.KindIC, types.KindOOC, types.KindIC}
	for i, want := range wantKinds {
		if out[i].Kind != want {
			t.Errorf("segment %d kind = %q, want %q", i, out[i].Kind, want)
		}
	}
	if out[0].Confidence != 0.93 {
		t.Errorf("STT confidence overwritten: %v", out[0].Confidence)
	}
	if in[0].Kind != "" {
		t.Error("input slice was mutated")
	}
	if tally.IC != 2 || tally.OOC != 1 || tally.Unknown != 0 {
		t.Errorf("tally = %+v, want 2 ic 1 ooc", tally)
	}
	if tally.LLMBatches != 1 || tally.Fallbacks != 0 || tally.FailedBatches != 0 {
		t.Errorf("tally = %+v, want one clean batch", tally)
	}

	req := p.CompleteCalls[0].Req
	if !strings.Contains(req.Messages[0].Content, "1. [Seraphina] I step toward") {
		t.Errorf("prompt lacks numbered speaker line:\n%s", req.Messages[0].Content)
	}
	if !strings.Contains(req.Messages[0].Content, "2. [Bob]") {
		t.Errorf("prompt should fall back to speaker when no character:\n%s", req.Messages[0].Content)
	}
	if req.Temperature != 0.1 {
		t.Errorf("temperature = %v, want 0.1", req.Temperature)
	}
}

func TestClassify_StripsMarkdownFences(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "```json\n[{\"index\": 1, \"kind\": \"ooc\", \"confidence\": 0.9}]\n```",
		},
	}
	c := classify.New(p)

	out, tally, err := c.Classify(context.Background(), testSegments()[:1])
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if out[0].Kind != types.KindOOC {
		t.Errorf("kind = %q, want ooc", out[0].Kind)
	}
	if tally.LLMBatches != 1 {
		t.Errorf("LLMBatches = %d, want 1", tally.LLMBatches)
	}
}

func TestClassify_InvalidVerdictsFallBackToHeuristics(t *testing.T) {
	t.Parallel()

	// Only the first verdict is valid: the rest have an out-of-range
	// index, a made-up kind, or an impossible confidence.
	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `[
				{"index": 1, "kind": "ic", "confidence": 0.9},
				{"index": 99, "kind": "ooc", "confidence": 0.9},
				{"index": 2, "kind": "meta", "confidence": 0.9},
				{"index": 3, "kind": "ooc", "confidence": 1.5}
			]`,
		},
	}
	c := classify.New(p)

	segs := []types.Segment{
		{Text: "We creep down the stairwell."},
		{Text: "Everyone roll initiative, 2d6 for the surprise round."},
		{Text: "The door creaks open."},
	}
	out, tally, err := c.Classify(context.Background(), segs)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	if out[0].Kind != types.KindIC {
		t.Errorf("segment 0 = %q, want ic from the valid verdict", out[0].Kind)
	}
	if out[1].Kind != types.KindOOC {
		t.Errorf("segment 1 = %q, want ooc from dice heuristic", out[1].Kind)
	}
	if out[2].Kind != types.KindUnknown {
		t.Errorf("segment 2 = %q, want unknown (no heuristic signal)", out[2].Kind)
	}
	if tally.Fallbacks != 2 {
		t.Errorf("Fallbacks = %d, want 2", tally.Fallbacks)
	}
}

func TestClassify_UnparseableResponseUsesHeuristics(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "They all seem to be roleplaying to me!",
		},
	}
	c := classify.New(p)

	segs := []types.Segment{
		{Text: "Okay, that's a natural 20 on the attack roll."},
	}
	out, tally, err := c.Classify(context.Background(), segs)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if out[0].Kind != types.KindOOC {
		t.Errorf("kind = %q, want ooc via heuristics", out[0].Kind)
	}
	if tally.LLMBatches != 0 || tally.Fallbacks != 1 {
		t.Errorf("tally = %+v, want 0 llm batches 1 fallback", tally)
	}
}

func TestClassify_RequestFailureLeavesUnknown(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteErr: errors.New("connection refused")}
	c := classify.New(p)

	out, tally, err := c.Classify(context.Background(), testSegments())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	for i, seg := range out {
		if seg.Kind != types.KindUnknown {
			t.Errorf("segment %d kind = %q, want unknown after failed batch", i, seg.Kind)
		}
	}
	if tally.FailedBatches != 1 || tally.Unknown != 3 {
		t.Errorf("tally = %+v, want 1 failed batch 3 unknown", tally)
	}
}

func TestClassify_BatchesAndRenumbers(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteFunc: func(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{
				Content: `[{"index": 1, "kind": "ic", "confidence": 0.9}, {"index": 2, "kind": "ic", "confidence": 0.9}]`,
			}, nil
		},
	}
	c := classify.New(p, classify.WithBatchSize(2))

	segs := make([]types.Segment, 5)
	for i := range segs {
		segs[i] = types.Segment{ID: i, Text: "Onward."}
	}
	out, tally, err := c.Classify(context.Background(), segs)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	if got := len(p.CompleteCalls); got != 3 {
		t.Fatalf("Complete called %d times, want 3", got)
	}
	// Every batch numbers its own segments from 1.
	for i, call := range p.CompleteCalls {
		if !strings.HasPrefix(call.Req.Messages[0].Content, "1. ") {
			t.Errorf("batch %d not renumbered from 1:\n%s", i, call.Req.Messages[0].Content)
		}
	}
	if tally.IC != 5 {
		t.Errorf("tally.IC = %d, want 5", tally.IC)
	}
	for i, seg := range out {
		if seg.Kind != types.KindIC {
			t.Errorf("segment %d = %q, want ic", i, seg.Kind)
		}
	}
}

func TestClassify_HeuristicsOnlyMode(t *testing.T) {
	t.Parallel()

	c := classify.New(nil, classify.WithCharacters([]string{"Seraphina Duskmantle"}))

	segs := []types.Segment{
		{Text: "Did you add your proficiency? Roll again."},
		{Text: `Seraphina whispers, "the seal is already broken."`},
		{Text: "Hm."},
	}
	out, tally, err := c.Classify(context.Background(), segs)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	want := []types.SegmentKind{types.KindOOC, types.KindIC, types.KindUnknown}
	for i, w := range want {
		if out[i].Kind != w {
			t.Errorf("segment %d = %q, want %q", i, out[i].Kind, w)
		}
	}
	if tally.Fallbacks != 3 {
		t.Errorf("Fallbacks = %d, want every segment", tally.Fallbacks)
	}
	if tally.IC != 1 || tally.OOC != 1 || tally.Unknown != 1 {
		t.Errorf("tally = %+v", tally)
	}
}

func TestClassify_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "[]"},
	}
	c := classify.New(p)

	_, _, err := c.Classify(ctx, testSegments())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
