package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/app"
)

func newIngestCmd(r *rootState) *cobra.Command {
	var (
		all       bool
		sessionID string
		rebuild   bool
	)

	cmd := &cobra.Command{
		Use:   "ingest [--all | --session <id> | --rebuild]",
		Short: "Index processed sessions into the knowledge base",
		Long: `Ingest chunks processed sessions and writes them into the Postgres
knowledge base. Sessions whose content is already indexed are skipped;
--rebuild drops and re-indexes everything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			modes := 0
			for _, set := range []bool{all, sessionID != "", rebuild} {
				if set {
					modes++
				}
			}
			if modes != 1 {
				return errors.New("pick exactly one of --all, --session or --rebuild")
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := r.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ConnectProviders(app.Need{Embeddings: true}); err != nil {
				return err
			}
			if err := a.ConnectKnowledge(ctx); err != nil {
				return err
			}
			ing, err := a.Ingester()
			if err != nil {
				return err
			}

			if sessionID != "" {
				rep, err := ing.IngestSession(ctx, sessionID)
				if err != nil {
					return err
				}
				cmd.Printf("session %s: %d chunks indexed (%d embedded), %d entity appearances\n",
					rep.SessionID, rep.Chunks, rep.Embedded, rep.Entities)
				return nil
			}

			failed := 0
			for _, c := range a.Campaigns.List() {
				rep, err := ing.IngestCampaign(ctx, c.ID, rebuild)
				if err != nil {
					cmd.PrintErrf("campaign %s: %v\n", c.Name, err)
					failed++
					continue
				}
				cmd.Printf("campaign %s: %d/%d sessions ingested (%d chunks, %d skipped, %d failed)\n",
					c.Name, rep.Ingested, rep.Sessions, rep.Chunks, rep.Skipped, rep.Failed)
				failed += rep.Failed
			}
			if failed > 0 {
				return fmt.Errorf("%d session(s) failed to ingest", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "ingest every campaign's sessions")
	cmd.Flags().StringVar(&sessionID, "session", "", "ingest a single session by id")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "drop and re-index all campaigns")
	return cmd
}
