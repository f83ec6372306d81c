// Package chat answers questions about past campaign sessions. One
// [Engine.Turn] takes a user message, assembles grounding context from the
// knowledge base and the session archive, asks the LLM, and appends the
// exchange to a persisted conversation.
//
// Progress is reported through staged [TurnUpdate] values: accepted is
// emitted before the first blocking call, so an interface can show
// activity before retrieval or the model stalls the turn, and the final
// update (done or failed) carries the result. Callers route updates with a
// [Dispatcher], binding sinks to the named fields they render.
//
// Retrieval is best-effort. A failing knowledge base, a missing campaign
// record or a broken conversation store degrade the turn instead of
// failing it: the answer proceeds on whatever context remains and the
// status line names what was lost. Only the completion call itself and
// context cancellation abort a turn.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/audit"
	"github.com/lorekeep/lorekeep/internal/observe"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/pkg/knowledge"
	"github.com/lorekeep/lorekeep/pkg/provider/embeddings"
	"github.com/lorekeep/lorekeep/pkg/provider/llm"
	"github.com/lorekeep/lorekeep/pkg/types"
)

const (
	// defaultHistoryBudget caps the conversation history sent with a turn,
	// in model tokens. The system prompt is budgeted separately by topK
	// and the excerpt size.
	defaultHistoryBudget = 4096

	// defaultTopK is how many knowledge chunks a turn retrieves.
	defaultTopK = 6

	// recentSummaries is how many session summaries are injected when the
	// turn is scoped to a campaign.
	recentSummaries = 3
)

// Config wires an [Engine]. LLM and Conversations are required; everything
// else widens retrieval when present.
type Config struct {
	// LLM produces the reply.
	LLM llm.Provider

	// Conversations persists chat threads.
	Conversations *store.ConversationStore

	// Index retrieves knowledge chunks. Nil disables retrieval.
	Index knowledge.ChunkIndex

	// Embedder embeds the query for vector search. Nil falls back to
	// full-text search on the index.
	Embedder embeddings.Provider

	// Campaigns resolves the campaign record injected into the prompt.
	Campaigns *store.CampaignStore

	// Sessions supplies recent session summaries for campaign-scoped turns.
	Sessions *store.SessionStore

	// Audit receives a chat.turn event per turn. Nil disables auditing.
	Audit audit.Logger

	// Metrics records turn latency and LLM usage. Nil uses the defaults.
	Metrics *observe.Metrics

	// HistoryBudget overrides the history token budget. Zero keeps the
	// default.
	HistoryBudget int

	// TopK overrides how many chunks are retrieved. Zero keeps the default.
	TopK int

	// Temperature is passed through to completions.
	Temperature float64

	// SystemPrompt replaces the built-in assistant preamble. The assembled
	// campaign context is appended either way.
	SystemPrompt string
}

// Engine runs chat turns. Safe for concurrent use; turns on the same
// conversation serialise on the store's append lock.
type Engine struct {
	llm           llm.Provider
	conversations *store.ConversationStore
	index         knowledge.ChunkIndex
	embedder      embeddings.Provider
	campaigns     *store.CampaignStore
	sessions      *store.SessionStore
	audit         audit.Logger
	metrics       *observe.Metrics
	historyBudget int
	topK          int
	temperature   float64
	preamble      string
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.LLM == nil {
		return nil, errors.New("chat: an LLM provider is required")
	}
	if cfg.Conversations == nil {
		return nil, errors.New("chat: a conversation store is required")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.HistoryBudget <= 0 {
		cfg.HistoryBudget = defaultHistoryBudget
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = systemPreamble
	}
	return &Engine{
		llm:           cfg.LLM,
		conversations: cfg.Conversations,
		index:         cfg.Index,
		embedder:      cfg.Embedder,
		campaigns:     cfg.Campaigns,
		sessions:      cfg.Sessions,
		audit:         cfg.Audit,
		metrics:       cfg.Metrics,
		historyBudget: cfg.HistoryBudget,
		topK:          cfg.TopK,
		temperature:   cfg.Temperature,
		preamble:      cfg.SystemPrompt,
	}, nil
}

// Request is one user turn.
type Request struct {
	// Message is the user's question.
	Message string

	// ConversationID continues an existing thread. Empty starts a new one.
	ConversationID string

	// CampaignID scopes retrieval to a campaign. Empty inherits the
	// conversation's campaign, if it has one.
	CampaignID string
}

// Turn is the completed result of one chat turn, mirroring the final done
// update for callers that block instead of binding sinks.
type Turn struct {
	ConversationID string         `json:"conversation_id"`
	Reply          string         `json:"reply"`
	Sources        []types.Source `json:"sources,omitempty"`

	// Degraded names the context that retrieval could not provide.
	Degraded []string `json:"degraded,omitempty"`

	Elapsed time.Duration `json:"-"`
}

// Turn runs one chat turn, emitting staged updates as it goes. emit may be
// nil; pass a [Dispatcher.Dispatch] to route updates to bound sinks. The
// returned Turn carries the same reply and sources as the final update.
func (e *Engine) Turn(ctx context.Context, req Request, emit func(TurnUpdate)) (*Turn, error) {
	start := time.Now()
	if emit == nil {
		emit = func(TurnUpdate) {}
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, e.fail(ctx, emit, "", start, errors.New("chat: empty message"))
	}

	// Visible before any disk or network work.
	emit(TurnUpdate{Phase: PhaseAccepted, Status: "message accepted"})

	conv, notes := e.conversation(req)
	if req.CampaignID == "" {
		req.CampaignID = conv.CampaignID
	}

	emit(TurnUpdate{
		Phase:          PhaseRetrieving,
		Status:         "gathering campaign context",
		ConversationID: conv.ID,
	})

	tc, err := e.assemble(ctx, req)
	if err != nil {
		return nil, e.fail(ctx, emit, conv.ID, start, err)
	}
	notes = append(notes, tc.degraded...)
	sources := tc.sources()

	emit(TurnUpdate{
		Phase:          PhaseGenerating,
		Status:         generatingStatus(len(tc.results), notes),
		ConversationID: conv.ID,
	})

	messages := e.trimHistory(append(historyMessages(conv), types.Message{
		Role:    store.RoleUser,
		Content: req.Message,
	}))

	llmStart := time.Now()
	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: tc.systemPrompt(e.preamble),
		Messages:     messages,
		Temperature:  e.temperature,
	})
	if err != nil {
		return nil, e.fail(ctx, emit, conv.ID, start, fmt.Errorf("chat: completion: %w", err))
	}
	e.metrics.RecordLLMCall(ctx, e.llm.ModelID(), "chat",
		time.Since(llmStart).Seconds(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	reply := strings.TrimSpace(resp.Content)

	emit(TurnUpdate{
		Phase:          PhaseSaving,
		Status:         "saving conversation",
		ConversationID: conv.ID,
	})
	e.persist(conv.ID, req.Message, reply, sources)

	elapsed := time.Since(start)
	e.metrics.RecordChatTurn(ctx, "ok", elapsed.Seconds())
	e.auditTurn(conv.ID, req.CampaignID, audit.StatusOK, map[string]any{
		"sources":         len(sources),
		"elapsed_seconds": elapsed.Seconds(),
	})
	slog.Info("chat turn finished",
		"conversation_id", conv.ID,
		"sources", len(sources),
		"elapsed", elapsed.Round(time.Millisecond),
	)

	emit(TurnUpdate{
		Phase:          PhaseDone,
		Reply:          reply,
		Sources:        sources,
		ConversationID: conv.ID,
	})
	return &Turn{
		ConversationID: conv.ID,
		Reply:          reply,
		Sources:        sources,
		Degraded:       notes,
		Elapsed:        elapsed,
	}, nil
}

// conversation resolves or creates the thread for a turn. Store failures
// fall through to an unpersisted in-memory thread so the turn can still
// answer; the returned notes name what was lost.
func (e *Engine) conversation(req Request) (*store.Conversation, []string) {
	var notes []string
	if req.ConversationID != "" {
		conv, err := e.conversations.Get(req.ConversationID)
		if err == nil {
			return conv, nil
		}
		slog.Warn("conversation lookup failed, starting a new thread",
			"conversation_id", req.ConversationID, "error", err)
		notes = append(notes, "previous thread unavailable")
	}
	conv, err := e.conversations.Create(req.CampaignID)
	if err == nil {
		return conv, notes
	}
	slog.Warn("conversation create failed, continuing without persistence", "error", err)
	now := time.Now().UTC()
	return &store.Conversation{
		ID:         uuid.NewString(),
		CampaignID: req.CampaignID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, append(notes, "conversation not persisted")
}

// persist appends both turn messages. The reply has already been
// generated, so failures are logged and the turn result stands.
func (e *Engine) persist(id, question, reply string, sources []types.Source) {
	if _, err := e.conversations.Append(id, store.ConversationMessage{
		Role:    store.RoleUser,
		Content: question,
	}); err != nil {
		slog.Warn("conversation append failed", "conversation_id", id, "role", store.RoleUser, "error", err)
		return
	}
	if _, err := e.conversations.Append(id, store.ConversationMessage{
		Role:    store.RoleAssistant,
		Content: reply,
		Sources: sources,
	}); err != nil {
		slog.Warn("conversation append failed", "conversation_id", id, "role", store.RoleAssistant, "error", err)
	}
}

func (e *Engine) fail(ctx context.Context, emit func(TurnUpdate), convID string, start time.Time, err error) error {
	e.metrics.RecordChatTurn(ctx, "error", time.Since(start).Seconds())
	e.auditTurn(convID, "", audit.StatusError, map[string]any{"error": err.Error()})
	emit(TurnUpdate{
		Phase:          PhaseFailed,
		Status:         "turn failed",
		Err:            err.Error(),
		ConversationID: convID,
	})
	return err
}

func (e *Engine) auditTurn(convID, campaignID, status string, metadata map[string]any) {
	if convID != "" {
		metadata["conversation_id"] = convID
	}
	if campaignID != "" {
		metadata["campaign_id"] = campaignID
	}
	e.audit.Log(audit.Event{
		Action:   audit.ActionChatTurn,
		Status:   status,
		Metadata: metadata,
	})
}

// generatingStatus describes what the model is working from, naming any
// context the turn had to give up on.
func generatingStatus(excerpts int, notes []string) string {
	status := "writing a reply"
	if excerpts > 0 {
		status = fmt.Sprintf("writing a reply from %d excerpts", excerpts)
	}
	if len(notes) > 0 {
		status += " (" + strings.Join(notes, "; ") + ")"
	}
	return status
}

// historyMessages converts a stored conversation into LLM history.
func historyMessages(conv *store.Conversation) []types.Message {
	msgs := make([]types.Message, 0, len(conv.Messages)+1)
	for _, m := range conv.Messages {
		msgs = append(msgs, types.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}
