package chat_test

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/audit"
	"github.com/lorekeep/lorekeep/internal/chat"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/pkg/knowledge"
	kbmock "github.com/lorekeep/lorekeep/pkg/knowledge/mock"
	embmock "github.com/lorekeep/lorekeep/pkg/provider/embeddings/mock"
	"github.com/lorekeep/lorekeep/pkg/provider/llm"
	llmmock "github.com/lorekeep/lorekeep/pkg/provider/llm/mock"
)

type auditRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *auditRecorder) Log(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *auditRecorder) last() audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return audit.Event{}
	}
	return r.events[len(r.events)-1]
}

// updateRecorder collects dispatched updates; pass record as the emit func.
type updateRecorder struct {
	updates []chat.TurnUpdate
}

func (r *updateRecorder) record(u chat.TurnUpdate) { r.updates = append(r.updates, u) }

func (r *updateRecorder) phases() []chat.Phase {
	out := make([]chat.Phase, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.Phase
	}
	return out
}

func (r *updateRecorder) byPhase(p chat.Phase) (chat.TurnUpdate, bool) {
	for _, u := range r.updates {
		if u.Phase == p {
			return u, true
		}
	}
	return chat.TurnUpdate{}, false
}

// fixture wires an engine over temp-dir stores with one campaign, two
// summarised sessions, two indexed chunks and a canned model reply.
type fixture struct {
	llm       *llmmock.Provider
	kb        *kbmock.Store
	convs     *store.ConversationStore
	campaigns *store.CampaignStore
	sessions  *store.SessionStore
	audit     *auditRecorder
	campaign  store.Campaign
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	campaigns, err := store.OpenCampaignStore(filepath.Join(dir, "campaigns.json"))
	if err != nil {
		t.Fatalf("OpenCampaignStore: %v", err)
	}
	campaign, err := campaigns.Create(store.Campaign{
		Name:        "Curse of the Ember Court",
		Description: "Gothic intrigue in the city of Emberward.",
	})
	if err != nil {
		t.Fatalf("Create campaign: %v", err)
	}

	sessions := store.NewSessionStore(filepath.Join(dir, "output"))
	writeSession(t, sessions, "session-20260103-190000", campaign.ID,
		"The party reached the drowned quarter.")
	writeSession(t, sessions, "session-20260110-190000", campaign.ID,
		"Seraphina bargained with the lich Vess.")

	kb := kbmock.NewStore()
	err = kb.IndexChunks(context.Background(), []knowledge.Chunk{
		{
			ID:         "chunk-1",
			CampaignID: campaign.ID,
			SessionID:  "session-20260110-190000",
			Content:    "Seraphina offered the moon pearl and Vess handed over the archive key.",
			Embedding:  []float32{1, 0},
			Kind:       "ic",
		},
		{
			ID:         "chunk-2",
			CampaignID: campaign.ID,
			SessionID:  "session-20260103-190000",
			Seq:        3,
			Content:    "Thokk kicked the rotten gate open and the drowned quarter lay ahead.",
			Embedding:  []float32{0, 1},
			Kind:       "ic",
		},
	})
	if err != nil {
		t.Fatalf("IndexChunks: %v", err)
	}

	return &fixture{
		llm: &llmmock.Provider{
			Model: "test-model",
			CompleteResponse: &llm.CompletionResponse{
				Content: "Seraphina traded the moon pearl to Vess for the archive key.",
				Usage:   llm.Usage{PromptTokens: 900, CompletionTokens: 40, TotalTokens: 940},
			},
		},
		kb:        kb,
		convs:     store.NewConversationStore(filepath.Join(dir, "conversations")),
		campaigns: campaigns,
		sessions:  sessions,
		audit:     &auditRecorder{},
		campaign:  campaign,
	}
}

func writeSession(t *testing.T, sessions *store.SessionStore, id, campaignID, summary string) {
	t.Helper()
	sess := &store.Session{
		SessionID: id,
		Metadata: store.SessionMeta{
			CampaignID:   &campaignID,
			CampaignName: "Curse of the Ember Court",
		},
		Stats: store.SessionStats{SegmentCount: 3, Summary: summary},
	}
	if err := sessions.Write(sess); err != nil {
		t.Fatalf("Write session %s: %v", id, err)
	}
}

func (f *fixture) engine(t *testing.T, mutate func(*chat.Config)) *chat.Engine {
	t.Helper()
	cfg := chat.Config{
		LLM:           f.llm,
		Conversations: f.convs,
		Index:         f.kb,
		Campaigns:     f.campaigns,
		Sessions:      f.sessions,
		Audit:         f.audit,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := chat.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func TestNew_RequiresLLMAndConversations(t *testing.T) {
	t.Parallel()

	convs := store.NewConversationStore(t.TempDir())
	if _, err := chat.New(chat.Config{Conversations: convs}); err == nil {
		t.Error("New without an LLM provider succeeded")
	}
	if _, err := chat.New(chat.Config{LLM: &llmmock.Provider{}}); err == nil {
		t.Error("New without a conversation store succeeded")
	}
}

func TestTurn_StagedUpdates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := &updateRecorder{}

	var promptSeen string
	acceptedBeforeModel := false
	canned := f.llm.CompleteResponse
	f.llm.CompleteFunc = func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		promptSeen = req.SystemPrompt
		acceptedBeforeModel = len(rec.updates) > 0 && rec.updates[0].Phase == chat.PhaseAccepted
		return canned, nil
	}

	eng := f.engine(t, func(cfg *chat.Config) {
		cfg.Embedder = &embmock.Provider{EmbedResult: []float32{1, 0}, DimensionsValue: 2, ModelIDValue: "embed-test"}
	})

	question := "What did Seraphina trade to Vess?"
	turn, err := eng.Turn(context.Background(), chat.Request{
		Message:    question,
		CampaignID: f.campaign.ID,
	}, rec.record)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}

	wantPhases := []chat.Phase{
		chat.PhaseAccepted, chat.PhaseRetrieving, chat.PhaseGenerating,
		chat.PhaseSaving, chat.PhaseDone,
	}
	if got := rec.phases(); !slices.Equal(got, wantPhases) {
		t.Errorf("phases = %v, want %v", got, wantPhases)
	}
	if !acceptedBeforeModel {
		t.Error("completion ran before the accepted update was emitted")
	}
	if len(turn.Degraded) != 0 {
		t.Errorf("turn degraded: %v", turn.Degraded)
	}

	// The prompt carries the campaign record, the newest summaries and the
	// retrieved excerpts.
	for _, want := range []string{
		"Curse of the Ember Court",
		"Seraphina bargained with the lich Vess.",
		"## Excerpts from the chronicle",
		"archive key",
	} {
		if !strings.Contains(promptSeen, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}

	if turn.Reply != canned.Content {
		t.Errorf("Reply = %q, want %q", turn.Reply, canned.Content)
	}
	if len(turn.Sources) == 0 || turn.Sources[0].ChunkID != "chunk-1" {
		t.Fatalf("Sources = %+v, want chunk-1 ranked first", turn.Sources)
	}
	if got := turn.Sources[0].SessionID; got != "session-20260110-190000" {
		t.Errorf("Sources[0].SessionID = %q, want session-20260110-190000", got)
	}
	if turn.Sources[0].Excerpt == "" {
		t.Error("Sources[0].Excerpt is empty")
	}

	done := rec.updates[len(rec.updates)-1]
	if done.Reply != turn.Reply || done.ConversationID != turn.ConversationID || len(done.Sources) != len(turn.Sources) {
		t.Errorf("done update %+v does not mirror the turn result", done)
	}

	conv, err := f.convs.Get(turn.ConversationID)
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	if conv.CampaignID != f.campaign.ID {
		t.Errorf("conversation campaign = %q, want %q", conv.CampaignID, f.campaign.ID)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Role != store.RoleUser || conv.Messages[0].Content != question {
		t.Errorf("first message = %+v, want the user question", conv.Messages[0])
	}
	if conv.Messages[1].Role != store.RoleAssistant || len(conv.Messages[1].Sources) != len(turn.Sources) {
		t.Errorf("second message = %+v, want the cited reply", conv.Messages[1])
	}
	if conv.Title == "" {
		t.Error("conversation title not derived from the first message")
	}

	last := f.audit.last()
	if last.Action != audit.ActionChatTurn || last.Status != audit.StatusOK {
		t.Errorf("audit event = %s/%s, want %s/%s", last.Action, last.Status, audit.ActionChatTurn, audit.StatusOK)
	}
	if last.Metadata["conversation_id"] != turn.ConversationID {
		t.Errorf("audit conversation_id = %v, want %q", last.Metadata["conversation_id"], turn.ConversationID)
	}
}

func TestTurn_TextSearchWithoutEmbedder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	eng := f.engine(t, nil)

	turn, err := eng.Turn(context.Background(), chat.Request{
		Message:    "Who kicked the rotten gate open?",
		CampaignID: f.campaign.ID,
	}, nil)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}

	if len(f.kb.SearchCalls) != 0 {
		t.Errorf("vector search called %d times without an embedder", len(f.kb.SearchCalls))
	}
	if len(f.kb.SearchTextCalls) != 1 {
		t.Fatalf("text search called %d times, want 1", len(f.kb.SearchTextCalls))
	}
	call := f.kb.SearchTextCalls[0]
	if call.Filter.CampaignID != f.campaign.ID {
		t.Errorf("search filter campaign = %q, want %q", call.Filter.CampaignID, f.campaign.ID)
	}
	if call.TopK != 6 {
		t.Errorf("search topK = %d, want 6", call.TopK)
	}
	if len(turn.Sources) == 0 || turn.Sources[0].ChunkID != "chunk-2" {
		t.Errorf("Sources = %+v, want chunk-2 ranked first", turn.Sources)
	}
}

func TestTurn_EmbedFailureFallsBackToTextSearch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	eng := f.engine(t, func(cfg *chat.Config) {
		cfg.Embedder = &embmock.Provider{EmbedErr: errors.New("embedding model offline")}
	})

	turn, err := eng.Turn(context.Background(), chat.Request{
		Message:    "Who kicked the rotten gate open?",
		CampaignID: f.campaign.ID,
	}, nil)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if len(f.kb.SearchTextCalls) != 1 {
		t.Errorf("text search called %d times, want 1", len(f.kb.SearchTextCalls))
	}
	if len(turn.Sources) == 0 {
		t.Error("fallback search returned no sources")
	}
	if len(turn.Degraded) != 0 {
		t.Errorf("fallback marked the turn degraded: %v", turn.Degraded)
	}
}

func TestTurn_SearchFailureDegrades(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.kb.SearchTextErr = errors.New("connection refused")
	eng := f.engine(t, nil)
	rec := &updateRecorder{}

	turn, err := eng.Turn(context.Background(), chat.Request{
		Message:    "What happened in the drowned quarter?",
		CampaignID: f.campaign.ID,
	}, rec.record)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}

	if len(turn.Sources) != 0 {
		t.Errorf("Sources = %+v, want none", turn.Sources)
	}
	if !slices.Contains(turn.Degraded, "knowledge base unavailable") {
		t.Errorf("Degraded = %v, want knowledge base noted", turn.Degraded)
	}
	gen, ok := rec.byPhase(chat.PhaseGenerating)
	if !ok {
		t.Fatal("no generating update emitted")
	}
	if !strings.Contains(gen.Status, "knowledge base unavailable") {
		t.Errorf("generating status %q does not note the degraded retrieval", gen.Status)
	}
	if turn.Reply == "" {
		t.Error("degraded turn produced no reply")
	}
}

func TestTurn_ContinuesConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	eng := f.engine(t, nil)
	ctx := context.Background()

	first, err := eng.Turn(ctx, chat.Request{
		Message:    "Where is the archive key?",
		CampaignID: f.campaign.ID,
	}, nil)
	if err != nil {
		t.Fatalf("Turn (first): %v", err)
	}

	second, err := eng.Turn(ctx, chat.Request{
		Message:        "And who holds it now?",
		ConversationID: first.ConversationID,
	}, nil)
	if err != nil {
		t.Fatalf("Turn (second): %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Errorf("second turn moved to conversation %q", second.ConversationID)
	}

	// The second completion sees the first exchange as history.
	sent := f.llm.CompleteCalls[1].Req.Messages
	if len(sent) != 3 {
		t.Fatalf("second completion got %d messages, want 3", len(sent))
	}
	if sent[0].Role != store.RoleUser || sent[0].Content != "Where is the archive key?" {
		t.Errorf("history[0] = %+v, want the first question", sent[0])
	}
	if sent[1].Role != store.RoleAssistant {
		t.Errorf("history[1].Role = %q, want assistant", sent[1].Role)
	}
	if sent[2].Content != "And who holds it now?" {
		t.Errorf("history[2] = %+v, want the new question", sent[2])
	}

	// Campaign scope carries over from the conversation record.
	if got := f.kb.SearchTextCalls[1].Filter.CampaignID; got != f.campaign.ID {
		t.Errorf("second turn searched campaign %q, want %q", got, f.campaign.ID)
	}

	conv, err := f.convs.Get(first.ConversationID)
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	if len(conv.Messages) != 4 {
		t.Errorf("persisted %d messages, want 4", len(conv.Messages))
	}
}

func TestTurn_TrimsHistoryToBudget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.llm.TokenCount = 1 << 20
	eng := f.engine(t, func(cfg *chat.Config) { cfg.HistoryBudget = 64 })

	conv, err := f.convs.Create(f.campaign.ID)
	if err != nil {
		t.Fatalf("Create conversation: %v", err)
	}
	for i, content := range []string{"one", "two", "three", "four"} {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		if _, err := f.convs.Append(conv.ID, store.ConversationMessage{Role: role, Content: content}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if _, err := eng.Turn(context.Background(), chat.Request{
		Message:        "newest question",
		ConversationID: conv.ID,
	}, nil); err != nil {
		t.Fatalf("Turn: %v", err)
	}

	sent := f.llm.CompleteCalls[0].Req.Messages
	if len(sent) != 1 || sent[0].Content != "newest question" {
		t.Errorf("completion got %d messages (%+v), want only the newest", len(sent), sent)
	}
	if len(f.llm.CountTokensCalls) == 0 {
		t.Error("history trimming never counted tokens")
	}
}

func TestTurn_TokenCountFailureKeepsHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.llm.CountTokensErr = errors.New("tokeniser unavailable")
	eng := f.engine(t, nil)

	conv, err := f.convs.Create("")
	if err != nil {
		t.Fatalf("Create conversation: %v", err)
	}
	for _, m := range []store.ConversationMessage{
		{Role: store.RoleUser, Content: "short question"},
		{Role: store.RoleAssistant, Content: "short answer"},
	} {
		if _, err := f.convs.Append(conv.ID, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if _, err := eng.Turn(context.Background(), chat.Request{
		Message:        "follow-up",
		ConversationID: conv.ID,
	}, nil); err != nil {
		t.Fatalf("Turn: %v", err)
	}

	// The length estimate keeps a short history intact.
	if got := len(f.llm.CompleteCalls[0].Req.Messages); got != 3 {
		t.Errorf("completion got %d messages, want 3", got)
	}
}

func TestTurn_EmptyMessageFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	eng := f.engine(t, nil)
	rec := &updateRecorder{}

	_, err := eng.Turn(context.Background(), chat.Request{Message: "   "}, rec.record)
	if err == nil || !strings.Contains(err.Error(), "empty message") {
		t.Fatalf("Turn error = %v, want empty message", err)
	}
	if got := rec.phases(); !slices.Equal(got, []chat.Phase{chat.PhaseFailed}) {
		t.Errorf("phases = %v, want only failed", got)
	}
	if rec.updates[0].Err == "" {
		t.Error("failed update carries no error")
	}
	if last := f.audit.last(); last.Status != audit.StatusError {
		t.Errorf("audit status = %q, want error", last.Status)
	}

	convs, err := f.convs.List()
	if err != nil {
		t.Fatalf("List conversations: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("rejected turn persisted %d conversations", len(convs))
	}
}

func TestTurn_CompletionFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.llm.CompleteResponse = nil
	f.llm.CompleteErr = errors.New("model overloaded")
	eng := f.engine(t, nil)
	rec := &updateRecorder{}

	_, err := eng.Turn(context.Background(), chat.Request{
		Message:    "Where is Vess?",
		CampaignID: f.campaign.ID,
	}, rec.record)
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("Turn error = %v, want model overloaded", err)
	}

	failed := rec.updates[len(rec.updates)-1]
	if failed.Phase != chat.PhaseFailed {
		t.Fatalf("last update phase = %q, want failed", failed.Phase)
	}
	if !strings.Contains(failed.Err, "model overloaded") {
		t.Errorf("failed update error = %q", failed.Err)
	}
	if failed.ConversationID == "" {
		t.Error("failed update lost the conversation id")
	}

	// The thread exists but the failed exchange was not written to it.
	conv, err := f.convs.Get(failed.ConversationID)
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	if len(conv.Messages) != 0 {
		t.Errorf("failed turn persisted %d messages", len(conv.Messages))
	}
	if last := f.audit.last(); last.Status != audit.StatusError {
		t.Errorf("audit status = %q, want error", last.Status)
	}
}

func TestTurn_UnknownConversationStartsFresh(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	eng := f.engine(t, nil)
	bogus := uuid.NewString()

	turn, err := eng.Turn(context.Background(), chat.Request{
		Message:        "Did we ever meet the ferryman?",
		ConversationID: bogus,
	}, nil)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if turn.ConversationID == "" || turn.ConversationID == bogus {
		t.Errorf("ConversationID = %q, want a fresh thread", turn.ConversationID)
	}
	if !slices.Contains(turn.Degraded, "previous thread unavailable") {
		t.Errorf("Degraded = %v, want the lost thread noted", turn.Degraded)
	}

	conv, err := f.convs.Get(turn.ConversationID)
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Errorf("persisted %d messages, want 2", len(conv.Messages))
	}
}

func TestTurn_MissingCampaignRecordDegrades(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	eng := f.engine(t, nil)

	turn, err := eng.Turn(context.Background(), chat.Request{
		Message:    "What happened last week?",
		CampaignID: uuid.NewString(),
	}, nil)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !slices.Contains(turn.Degraded, "campaign record unavailable") {
		t.Errorf("Degraded = %v, want the campaign record noted", turn.Degraded)
	}
	if len(turn.Sources) != 0 {
		t.Errorf("Sources = %+v, want none for an unknown campaign", turn.Sources)
	}
	if turn.Reply == "" {
		t.Error("degraded turn produced no reply")
	}
}
