package entity_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lorekeep/lorekeep/internal/entity"
	"github.com/lorekeep/lorekeep/pkg/knowledge"
	kbmock "github.com/lorekeep/lorekeep/pkg/knowledge/mock"
	"github.com/lorekeep/lorekeep/pkg/provider/llm"
	llmmock "github.com/lorekeep/lorekeep/pkg/provider/llm/mock"
	"github.com/lorekeep/lorekeep/pkg/types"
)

const campaignID = "camp-ember"

func respondWith(content string) *llmmock.Provider {
	return &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: content},
	}
}

func sampleSegments() []types.Segment {
	return []types.Segment{
		{ID: 0, Speaker: "dm", Text: "Seraphina Duskmantle waits by the Ember Ward Gate.", Kind: types.KindIC},
		{ID: 1, Speaker: "alice", Character: "Seraphina Duskmantle", Text: "I ask the guard about the Cult of the Silent Flame.", Kind: types.KindIC},
	}
}

func TestExtractor_UpsertsFindings(t *testing.T) {
	t.Parallel()

	kb := kbmock.NewStore()
	provider := respondWith(`[
		{"name": "Seraphina Duskmantle", "kind": "npc", "description": "An elven rogue.", "aliases": ["Sera"]},
		{"name": "Ember Ward Gate", "kind": "location", "description": "The north gate of the city.", "aliases": []}
	]`)

	ex := entity.NewExtractor(provider, kb)
	got, err := ex.Extract(context.Background(), campaignID, sampleSegments())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Extract returned %d entities, want 2", len(got))
	}

	// Ordered by name.
	if got[0].Name != "Ember Ward Gate" || got[1].Name != "Seraphina Duskmantle" {
		t.Errorf("entity order = [%q, %q], want [Ember Ward Gate, Seraphina Duskmantle]",
			got[0].Name, got[1].Name)
	}
	if got[0].ID == "" || got[1].ID == "" {
		t.Error("stored entities missing IDs")
	}
	if got[1].Kind != entity.KindNPC {
		t.Errorf("Seraphina kind = %q, want %q", got[1].Kind, entity.KindNPC)
	}
	if len(got[1].Aliases) != 1 || got[1].Aliases[0] != "Sera" {
		t.Errorf("Seraphina aliases = %v, want [Sera]", got[1].Aliases)
	}

	stored, err := kb.FindEntities(context.Background(), knowledge.EntityFilter{CampaignID: campaignID})
	if err != nil {
		t.Fatalf("FindEntities: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("catalog holds %d entities, want 2", len(stored))
	}
}

func TestExtractor_PromptCarriesTranscript(t *testing.T) {
	t.Parallel()

	provider := respondWith(`[]`)
	ex := entity.NewExtractor(provider, kbmock.NewStore())

	segments := append(sampleSegments(),
		types.Segment{ID: 2, Speaker: "bob", Text: "Can we order pizza first?", Kind: types.KindOOC})
	if _, err := ex.Extract(context.Background(), campaignID, segments); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if len(provider.CompleteCalls) != 1 {
		t.Fatalf("Complete called %d times, want 1", len(provider.CompleteCalls))
	}
	req := provider.CompleteCalls[0].Req

	if !strings.Contains(req.SystemPrompt, `"npc"`) || !strings.Contains(req.SystemPrompt, "JSON array") {
		t.Errorf("system prompt missing kind list or JSON contract:\n%s", req.SystemPrompt)
	}
	if req.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", req.Temperature)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v, want one user message", req.Messages)
	}

	content := req.Messages[0].Content
	if !strings.HasPrefix(content, "Transcript:\n") {
		t.Errorf("user message does not start with transcript header: %q", content)
	}
	// Character name preferred over the raw speaker label.
	if !strings.Contains(content, "[Seraphina Duskmantle]: I ask the guard") {
		t.Errorf("user message missing character-labelled line:\n%s", content)
	}
	if !strings.Contains(content, "[dm]: Seraphina Duskmantle waits") {
		t.Errorf("user message missing speaker-labelled line:\n%s", content)
	}
	if !strings.Contains(content, "(ooc) [bob]: Can we order pizza first?") {
		t.Errorf("user message missing ooc marker:\n%s", content)
	}
}

func TestExtractor_WindowPacking(t *testing.T) {
	t.Parallel()

	provider := respondWith(`[]`)
	// A budget smaller than one line's cost forces one window per segment.
	ex := entity.NewExtractor(provider, kbmock.NewStore(), entity.WithWindowTokens(10))

	got, err := ex.Extract(context.Background(), campaignID, sampleSegments())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Extract returned %d entities, want 0", len(got))
	}

	if len(provider.CompleteCalls) != 2 {
		t.Fatalf("Complete called %d times, want 2", len(provider.CompleteCalls))
	}
	first := provider.CompleteCalls[0].Req.Messages[0].Content
	second := provider.CompleteCalls[1].Req.Messages[0].Content
	if !strings.Contains(first, "Ember Ward Gate") || strings.Contains(first, "Silent Flame") {
		t.Errorf("first window carries wrong lines:\n%s", first)
	}
	if !strings.Contains(second, "Silent Flame") || strings.Contains(second, "Ember Ward Gate") {
		t.Errorf("second window carries wrong lines:\n%s", second)
	}
}

func TestExtractor_DedupesAcrossWindows(t *testing.T) {
	t.Parallel()

	responses := []string{
		`[{"name": "Seraphina Duskmantle", "kind": "npc", "description": "A rogue.", "aliases": ["Sera"]}]`,
		`[{"name": "seraphina duskmantle", "kind": "", "description": "An elven rogue of the Ember Court.", "aliases": ["Phina", "sera"]}]`,
	}
	var calls int
	provider := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			resp := responses[calls%len(responses)]
			calls++
			return &llm.CompletionResponse{Content: resp}, nil
		},
	}

	kb := kbmock.NewStore()
	ex := entity.NewExtractor(provider, kb, entity.WithWindowTokens(10))
	got, err := ex.Extract(context.Background(), campaignID, sampleSegments())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if calls != 2 {
		t.Fatalf("Complete called %d times, want 2", calls)
	}
	if len(got) != 1 {
		t.Fatalf("Extract returned %d entities, want 1 after dedupe", len(got))
	}

	e := got[0]
	if e.Name != "Seraphina Duskmantle" {
		t.Errorf("name = %q, want first casing kept", e.Name)
	}
	if e.Kind != entity.KindNPC {
		t.Errorf("kind = %q, want %q", e.Kind, entity.KindNPC)
	}
	if e.Description != "An elven rogue of the Ember Court." {
		t.Errorf("description = %q, want the longer one", e.Description)
	}
	if len(e.Aliases) != 2 {
		t.Errorf("aliases = %v, want [Sera Phina]", e.Aliases)
	}

	stored, err := kb.FindEntities(context.Background(), knowledge.EntityFilter{CampaignID: campaignID})
	if err != nil {
		t.Fatalf("FindEntities: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("catalog holds %d entities, want 1", len(stored))
	}
}

func TestExtractor_NicknameFoldsIntoKnownEntity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kb := kbmock.NewStore()
	if _, err := kb.UpsertEntity(ctx, knowledge.Entity{
		CampaignID: campaignID,
		Name:       "Seraphina Duskmantle",
		Kind:       entity.KindNPC,
		Aliases:    []string{"Sera"},
	}); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}

	provider := respondWith(`[{"name": "Sera", "kind": "npc", "description": "The rogue again.", "aliases": []}]`)
	ex := entity.NewExtractor(provider, kb)
	got, err := ex.Extract(ctx, campaignID, sampleSegments())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Extract returned %d entities, want 1", len(got))
	}
	if got[0].Name != "Seraphina Duskmantle" {
		t.Errorf("name = %q, want nickname folded into Seraphina Duskmantle", got[0].Name)
	}

	stored, err := kb.FindEntities(ctx, knowledge.EntityFilter{CampaignID: campaignID})
	if err != nil {
		t.Fatalf("FindEntities: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("catalog holds %d entities, want 1 (no twin for the alias)", len(stored))
	}
}

func TestExtractor_UnparseableWindowSkipped(t *testing.T) {
	t.Parallel()

	responses := []string{
		`The transcript mentions Seraphina, a rogue.`,
		`[{"name": "Thrag", "kind": "npc", "description": "A half-orc fighter.", "aliases": []}]`,
	}
	var calls int
	provider := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			resp := responses[calls%len(responses)]
			calls++
			return &llm.CompletionResponse{Content: resp}, nil
		},
	}

	ex := entity.NewExtractor(provider, kbmock.NewStore(), entity.WithWindowTokens(10))
	got, err := ex.Extract(context.Background(), campaignID, sampleSegments())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Thrag" {
		t.Fatalf("Extract = %+v, want only Thrag from the parseable window", got)
	}
}

func TestExtractor_RequestErrorAborts(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("backend gone")
	provider := &llmmock.Provider{CompleteErr: wantErr}

	ex := entity.NewExtractor(provider, kbmock.NewStore())
	got, err := ex.Extract(context.Background(), campaignID, sampleSegments())
	if !errors.Is(err, wantErr) {
		t.Fatalf("Extract error = %v, want wrapped %v", err, wantErr)
	}
	if got != nil {
		t.Errorf("Extract returned entities alongside error: %+v", got)
	}
}

func TestExtractor_CatalogErrorAborts(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("catalog down")
	kb := kbmock.NewStore()
	kb.UpsertEntityErr = wantErr

	provider := respondWith(`[{"name": "Thrag", "kind": "npc", "description": "", "aliases": []}]`)
	ex := entity.NewExtractor(provider, kb)
	_, err := ex.Extract(context.Background(), campaignID, sampleSegments())
	if !errors.Is(err, wantErr) {
		t.Fatalf("Extract error = %v, want wrapped %v", err, wantErr)
	}
}

func TestExtractor_EmptyTranscript(t *testing.T) {
	t.Parallel()

	provider := respondWith(`[]`)
	ex := entity.NewExtractor(provider, kbmock.NewStore())

	for _, segments := range [][]types.Segment{
		nil,
		{{ID: 0, Speaker: "dm", Text: "   "}},
	} {
		got, err := ex.Extract(context.Background(), campaignID, segments)
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("Extract returned %d entities for empty transcript, want 0", len(got))
		}
	}
	if len(provider.CompleteCalls) != 0 {
		t.Errorf("Complete called %d times for empty transcripts, want 0", len(provider.CompleteCalls))
	}
}

func TestExtractor_MarkdownFencedResponse(t *testing.T) {
	t.Parallel()

	provider := respondWith("```json\n" +
		`[{"name": "Tower of Whispers", "kind": "location", "description": "A ruined spire.", "aliases": []}]` +
		"\n```")

	ex := entity.NewExtractor(provider, kbmock.NewStore())
	got, err := ex.Extract(context.Background(), campaignID, sampleSegments())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Tower of Whispers" {
		t.Fatalf("Extract = %+v, want Tower of Whispers", got)
	}
}

func TestExtractor_DropsNamelessAndNormalizesFindings(t *testing.T) {
	t.Parallel()

	provider := respondWith(`[
		{"name": "", "kind": "npc", "description": "nameless", "aliases": []},
		{"name": "  Thrag ", "kind": " NPC ", "description": " A fighter. ", "aliases": ["thrag", "", "Thrag the Bold"]}
	]`)

	ex := entity.NewExtractor(provider, kbmock.NewStore())
	got, err := ex.Extract(context.Background(), campaignID, sampleSegments())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Extract returned %d entities, want 1", len(got))
	}

	e := got[0]
	if e.Name != "Thrag" {
		t.Errorf("name = %q, want trimmed Thrag", e.Name)
	}
	if e.Kind != entity.KindNPC {
		t.Errorf("kind = %q, want lowercased %q", e.Kind, entity.KindNPC)
	}
	if e.Description != "A fighter." {
		t.Errorf("description = %q, want trimmed", e.Description)
	}
	// The self-alias and the empty alias are dropped.
	if len(e.Aliases) != 1 || e.Aliases[0] != "Thrag the Bold" {
		t.Errorf("aliases = %v, want [Thrag the Bold]", e.Aliases)
	}
}
