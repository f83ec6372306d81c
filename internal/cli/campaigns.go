package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/audit"
	"github.com/lorekeep/lorekeep/internal/entity"
	"github.com/lorekeep/lorekeep/internal/migrate"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/pkg/knowledge"
)

func newCampaignsCmd(r *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaigns",
		Short: "Manage the campaign registry",
	}
	cmd.AddCommand(
		newCampaignsListCmd(r),
		newCampaignsCreateCmd(r),
		newCampaignsSeedCmd(r),
		newMigrateCmd(r, "migrate-sessions", "Backfill campaign links on session data files"),
		newMigrateCmd(r, "migrate-profiles", "Backfill campaign links on speaker profiles"),
		newMigrateCmd(r, "migrate-narratives", "Backfill campaign links in narrative front matter"),
	)
	return cmd
}

func newCampaignsListCmd(r *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered campaigns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := r.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			campaigns := a.Campaigns.List()
			if len(campaigns) == 0 {
				cmd.Println("no campaigns registered; create one with `lorekeep campaigns create <name>`")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSESSIONS\tCREATED")
			for _, c := range campaigns {
				linked, err := a.Sessions.ListByCampaign(c.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					c.ID, c.Name, len(linked), c.CreatedAt.Format("2006-01-02"))
			}
			return w.Flush()
		},
	}
}

func newCampaignsCreateCmd(r *rootState) *cobra.Command {
	var (
		description string
		partyID     string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a new campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.Campaigns.Create(store.Campaign{
				Name:        args[0],
				Description: description,
				PartyID:     partyID,
			})
			if err != nil {
				return err
			}
			cmd.Printf("campaign %q created (%s)\n", c.Name, c.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "free-text campaign summary")
	cmd.Flags().StringVar(&partyID, "party", "", "party roster id to link")
	return cmd
}

func newCampaignsSeedCmd(r *rootState) *cobra.Command {
	var campaign string
	cmd := &cobra.Command{
		Use:   "seed <file>",
		Short: "Pre-load the entity catalog from a seed or VTT export file",
		Long: `Seed loads campaign entities into the knowledge base before any session
is processed, so transcript correction and entity linking know the
campaign's proper nouns from day one.

The file format is detected from the content: a YAML seed file, a Foundry
VTT world export (JSON with "actors") or a Roll20 export (JSON with
"characters").`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := r.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ConnectKnowledge(ctx); err != nil {
				return err
			}
			if a.KB == nil {
				return errors.New("seed requires the knowledge base (knowledge.postgres_dsn)")
			}

			target, err := seedTargetCampaign(a.Campaigns, campaign, args[0])
			if err != nil {
				return err
			}

			count, kind, err := seedFromFile(ctx, a.KB, args[0], target.ID)
			if err != nil {
				return err
			}
			a.Audit.Log(audit.Event{
				Action: "campaigns.seed",
				Source: args[0],
				Status: audit.StatusOK,
				Metadata: map[string]any{
					"campaign_id": target.ID,
					"format":      kind,
					"entities":    count,
				},
			})
			cmd.Printf("seeded %d entities into campaign %q from %s file\n", count, target.Name, kind)
			return nil
		},
	}
	cmd.Flags().StringVar(&campaign, "campaign", "", "target campaign name or id (default: the seed file's campaign field)")
	return cmd
}

// seedFromFile detects the file format and loads its entities into the
// catalog. Returns the entity count and the detected format name.
func seedFromFile(ctx context.Context, catalog knowledge.EntityCatalog, path, campaignID string) (int, string, error) {
	if isYAMLFile(path) {
		sf, err := entity.LoadSeedFile(path)
		if err != nil {
			return 0, "", err
		}
		n, err := entity.Seed(ctx, catalog, campaignID, sf)
		return n, "seed", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "", fmt.Errorf("read %q: %w", path, err)
	}
	var probe struct {
		Actors     json.RawMessage `json:"actors"`
		Characters json.RawMessage `json:"characters"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0, "", fmt.Errorf("parse %q: %w", path, err)
	}
	switch {
	case probe.Actors != nil:
		n, err := entity.ImportFoundryVTT(ctx, catalog, campaignID, bytes.NewReader(data))
		return n, "foundry", err
	case probe.Characters != nil:
		n, err := entity.ImportRoll20(ctx, catalog, campaignID, bytes.NewReader(data))
		return n, "roll20", err
	}
	return 0, "", fmt.Errorf("%q is neither a Foundry nor a Roll20 export", path)
}

// seedTargetCampaign resolves --campaign, falling back to the campaign
// named inside a YAML seed file.
func seedTargetCampaign(campaigns *store.CampaignStore, flag, path string) (store.Campaign, error) {
	if flag != "" {
		return campaigns.Resolve(flag)
	}
	if isYAMLFile(path) {
		sf, err := entity.LoadSeedFile(path)
		if err != nil {
			return store.Campaign{}, err
		}
		if sf.Campaign != "" {
			return campaigns.Resolve(sf.Campaign)
		}
	}
	return store.Campaign{}, errors.New("no target campaign: pass --campaign or name one in the seed file")
}

func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func newMigrateCmd(r *rootState, name, short string) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := r.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			opts := migrate.Options{DryRun: dryRun}
			var rep migrate.Report
			switch name {
			case "migrate-sessions":
				rep, err = migrate.Sessions(a.Campaigns, r.cfg.Paths.OutputRoot, opts)
			case "migrate-profiles":
				rep, err = migrate.Profiles(a.Campaigns, filepath.Join(r.cfg.Paths.DataRoot, "profiles"), opts)
			case "migrate-narratives":
				rep, err = migrate.Narratives(a.Campaigns, r.cfg.Paths.OutputRoot, opts)
			}
			if err != nil {
				return err
			}

			action := "migrate." + strings.TrimPrefix(name, "migrate-")
			status := audit.StatusOK
			if rep.Failed > 0 {
				status = audit.StatusError
			}
			a.Audit.Log(audit.Event{
				Action: action,
				Status: status,
				Metadata: map[string]any{
					"dry_run":  dryRun,
					"scanned":  rep.Scanned,
					"migrated": rep.Migrated,
					"skipped":  rep.Skipped,
					"failed":   rep.Failed,
				},
			})
			if dryRun {
				cmd.Printf("dry run: %s\n", rep)
			} else {
				cmd.Println(rep)
			}
			if rep.Failed > 0 {
				return fmt.Errorf("%d file(s) failed to migrate", rep.Failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing")
	return cmd
}
