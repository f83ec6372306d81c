package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/app"
	"github.com/lorekeep/lorekeep/internal/chat"
)

func newChatCmd(r *rootState) *cobra.Command {
	var (
		campaign     string
		conversation string
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Ask questions about your campaigns",
		Long: `Chat answers questions grounded in the ingested campaign knowledge. With a
message argument it runs one turn and exits; without one it starts an
interactive session. Conversations are persisted and can be continued with
--conversation.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := r.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ConnectProviders(app.Need{LLM: true, Embeddings: true}); err != nil {
				return err
			}
			if err := a.ConnectKnowledge(ctx); err != nil {
				slog.Warn("knowledge base unavailable, answering without retrieval", "error", err)
			}
			engine, err := a.ChatEngine()
			if err != nil {
				return err
			}

			var campaignID string
			if campaign != "" {
				c, err := a.Campaigns.Resolve(campaign)
				if err != nil {
					return err
				}
				campaignID = c.ID
			}

			t := &terminalChat{cmd: cmd, engine: engine, campaignID: campaignID, conversationID: conversation}
			if len(args) == 1 {
				return t.turn(ctx, args[0])
			}
			return t.repl(ctx)
		},
	}
	cmd.Flags().StringVar(&campaign, "campaign", "", "campaign name or id to scope retrieval to")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id to continue")
	return cmd
}

// terminalChat renders chat turns on a terminal: phase updates go to
// stderr so stdout stays pipeable, the reply and its sources to stdout.
type terminalChat struct {
	cmd            *cobra.Command
	engine         *chat.Engine
	campaignID     string
	conversationID string
}

func (t *terminalChat) turn(ctx context.Context, message string) error {
	d := &chat.Dispatcher{}
	d.Bind(chat.FieldStatus, func(u chat.TurnUpdate) {
		if u.Phase == chat.PhaseDone || u.Phase == chat.PhaseFailed {
			return
		}
		fmt.Fprintf(t.cmd.ErrOrStderr(), "… %s\n", u.Status)
	})

	turn, err := t.engine.Turn(ctx, chat.Request{
		Message:        message,
		ConversationID: t.conversationID,
		CampaignID:     t.campaignID,
	}, d.Dispatch)
	if err != nil {
		return err
	}
	t.conversationID = turn.ConversationID

	t.cmd.Println(turn.Reply)
	if len(turn.Sources) > 0 {
		t.cmd.Println("\nSources:")
		for _, s := range turn.Sources {
			excerpt := s.Excerpt
			if excerpt != "" {
				excerpt = " — " + excerpt
			}
			t.cmd.Printf("  [%s]%s\n", s.SessionID, excerpt)
		}
	}
	for _, missing := range turn.Degraded {
		fmt.Fprintf(t.cmd.ErrOrStderr(), "note: answered without %s\n", missing)
	}
	return nil
}

func (t *terminalChat) repl(ctx context.Context) error {
	t.cmd.Println("Campaign chat. Empty line or /quit exits.")
	scanner := bufio.NewScanner(t.cmd.InOrStdin())
	for {
		fmt.Fprint(t.cmd.OutOrStdout(), "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "/quit" {
			break
		}
		if err := t.turn(ctx, line); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(t.cmd.ErrOrStderr(), "error: %v\n", err)
		}
		t.cmd.Println()
	}
	if t.conversationID != "" {
		t.cmd.Printf("conversation saved as %s\n", t.conversationID)
	}
	return scanner.Err()
}
