package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/app"
	"github.com/lorekeep/lorekeep/internal/mcp"
)

func newMCPCmd(r *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the campaign archive to MCP clients over stdio",
		Long: `Mcp runs a Model Context Protocol server on stdin/stdout, exposing
read-only tools over the processed archive: campaign and session listings,
session summaries, knowledge search and artifact previews. Point an MCP
client (Claude Desktop, an agent framework) at the lorekeep binary with
this subcommand.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := r.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			// Retrieval is best-effort: without an embedder the search
			// tool downgrades to full-text, without a knowledge base it
			// reports itself unconfigured.
			if err := a.ConnectProviders(app.Need{Embeddings: true}); err != nil {
				return err
			}
			if err := a.ConnectKnowledge(ctx); err != nil {
				slog.Warn("knowledge base unavailable", "error", err)
			}

			srv, err := mcp.New(mcp.Config{
				Campaigns: a.Campaigns,
				Sessions:  a.Sessions,
				Artifacts: a.Artifacts,
				KB:        a.KB,
				Embedder:  a.Embedder,
				Version:   app.Version,
			})
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
}
