package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/pkg/knowledge"
	"github.com/lorekeep/lorekeep/pkg/types"
)

// excerptRunes caps the quoted excerpt attached to a source citation.
const excerptRunes = 240

// turnContext is the grounding assembled for one turn: the campaign
// record, recent session summaries and retrieved knowledge chunks. Any of
// it may be missing; degraded names what a configured component failed to
// provide.
type turnContext struct {
	campaign  *store.Campaign
	summaries []sessionDigest
	results   []knowledge.Result
	degraded  []string
}

// sessionDigest is the one-line view of a past session injected into the
// prompt.
type sessionDigest struct {
	SessionID string
	Summary   string
}

// assemble fetches the turn context. The campaign record and session
// summaries come from the file stores while the knowledge search runs
// against the index, so the two fetches proceed in parallel. Fetch
// failures degrade the context; the only error returned is context
// cancellation.
func (e *Engine) assemble(ctx context.Context, req Request) (*turnContext, error) {
	tc := &turnContext{}
	if req.CampaignID == "" && e.index == nil {
		return tc, ctx.Err()
	}

	var mu sync.Mutex
	note := func(n string) {
		mu.Lock()
		tc.degraded = append(tc.degraded, n)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	if req.CampaignID != "" && e.campaigns != nil {
		g.Go(func() error {
			campaign, err := e.campaigns.Get(req.CampaignID)
			if err != nil {
				slog.Warn("campaign lookup failed", "campaign_id", req.CampaignID, "error", err)
				note("campaign record unavailable")
				return nil
			}
			tc.campaign = &campaign
			tc.summaries = e.recentDigests(req.CampaignID, note)
			return nil
		})
	}

	if e.index != nil {
		g.Go(func() error {
			results, err := e.search(gctx, req)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Warn("knowledge search failed, answering without retrieval", "error", err)
				note("knowledge base unavailable")
				return nil
			}
			tc.results = results
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tc, nil
}

// recentDigests returns the newest campaign sessions that carry a summary.
func (e *Engine) recentDigests(campaignID string, note func(string)) []sessionDigest {
	if e.sessions == nil {
		return nil
	}
	sessions, err := e.sessions.ListByCampaign(campaignID)
	if err != nil {
		slog.Warn("session listing failed", "campaign_id", campaignID, "error", err)
		note("session summaries unavailable")
		return nil
	}

	// Session ids sort chronologically; walk from the newest.
	var digests []sessionDigest
	for i := len(sessions) - 1; i >= 0 && len(digests) < recentSummaries; i-- {
		if sessions[i].Stats.Summary == "" {
			continue
		}
		digests = append(digests, sessionDigest{
			SessionID: sessions[i].SessionID,
			Summary:   sessions[i].Stats.Summary,
		})
	}
	return digests
}

// search retrieves chunks for the user message: vector search when an
// embedder is configured, full-text otherwise. A failed embedding falls
// back to full-text rather than losing the turn's retrieval entirely.
func (e *Engine) search(ctx context.Context, req Request) ([]knowledge.Result, error) {
	filter := knowledge.Filter{CampaignID: req.CampaignID}
	if e.embedder != nil {
		vec, err := e.embedder.Embed(ctx, req.Message)
		if err == nil {
			return e.index.Search(ctx, vec, e.topK, filter)
		}
		if ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("query embedding failed, falling back to text search", "error", err)
	}
	return e.index.SearchText(ctx, req.Message, e.topK, filter)
}

// sources converts the retrieved chunks into citations for the reply.
func (tc *turnContext) sources() []types.Source {
	if len(tc.results) == 0 {
		return nil
	}
	out := make([]types.Source, len(tc.results))
	for i, r := range tc.results {
		out[i] = types.Source{
			SessionID: r.Chunk.SessionID,
			ChunkID:   r.Chunk.ID,
			Score:     r.Score,
			Excerpt:   excerpt(r.Chunk.Content),
		}
	}
	return out
}

const systemPreamble = `You are Lorekeep, the chronicler's assistant for a tabletop RPG campaign. Answer the player's questions about past sessions using the context below. When the context does not cover a question, say so rather than inventing campaign events. Keep answers short and concrete, and mention which session something happened in when you know it.`

// systemPrompt renders the assembled context after the preamble.
func (tc *turnContext) systemPrompt(preamble string) string {
	var b strings.Builder
	b.WriteString(preamble)

	if tc.campaign != nil {
		fmt.Fprintf(&b, "\n\n## Campaign\nName: %s\n", tc.campaign.Name)
		if tc.campaign.Description != "" {
			fmt.Fprintf(&b, "%s\n", tc.campaign.Description)
		}
	}
	if len(tc.summaries) > 0 {
		b.WriteString("\n## Recent sessions, newest first\n")
		for _, d := range tc.summaries {
			fmt.Fprintf(&b, "- %s: %s\n", d.SessionID, d.Summary)
		}
	}
	if len(tc.results) > 0 {
		b.WriteString("\n## Excerpts from the chronicle\n")
		for i, r := range tc.results {
			fmt.Fprintf(&b, "[%d] (session %s) %s\n", i+1, r.Chunk.SessionID, strings.TrimSpace(r.Chunk.Content))
		}
	}
	return b.String()
}

// charsPerToken is the estimation fallback when the provider cannot count
// tokens. English text averages roughly four characters per token.
const charsPerToken = 4

// trimHistory drops the oldest messages until the history fits the token
// budget. The newest message always survives; the system prompt is carried
// separately and does not count against this budget.
func (e *Engine) trimHistory(msgs []types.Message) []types.Message {
	for len(msgs) > 1 {
		n, err := e.llm.CountTokens(msgs)
		if err != nil {
			n = estimateTokens(msgs)
		}
		if n <= e.historyBudget {
			break
		}
		msgs = msgs[1:]
	}
	return msgs
}

func estimateTokens(msgs []types.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Role) + len(m.Content)
	}
	return chars / charsPerToken
}

// excerpt shortens chunk content to a display quote, cutting at a word
// boundary.
func excerpt(content string) string {
	quote := strings.Join(strings.Fields(content), " ")
	runes := []rune(quote)
	if len(runes) <= excerptRunes {
		return quote
	}
	truncated := string(runes[:excerptRunes])
	if cut := strings.LastIndex(truncated, " "); cut > len(truncated)/2 {
		truncated = truncated[:cut]
	}
	return truncated + "..."
}
