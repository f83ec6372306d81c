package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/audit"
	"github.com/lorekeep/lorekeep/internal/store"
)

func newSessionsCmd(r *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain processed sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(r),
		newSessionsAuditCmd(r),
		newSessionsCleanupCmd(r),
		newSessionsExportCmd(r),
	)
	return cmd
}

func newSessionsListCmd(r *rootState) *cobra.Command {
	var campaign string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processed sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := r.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			var sessions []*store.Session
			if campaign != "" {
				c, err := a.Campaigns.Resolve(campaign)
				if err != nil {
					return err
				}
				sessions, err = a.Sessions.ListByCampaign(c.ID)
				if err != nil {
					return err
				}
			} else {
				sessions, err = a.Sessions.List()
				if err != nil {
					return err
				}
			}
			if len(sessions) == 0 {
				cmd.Println("no processed sessions found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tCAMPAIGN\tRECORDED\tDURATION\tSEGMENTS\tWORDS")
			for _, s := range sessions {
				campaignName := s.Metadata.CampaignName
				if campaignName == "" {
					campaignName = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
					s.SessionID,
					campaignName,
					s.Metadata.RecordedAt.Format("2006-01-02"),
					(time.Duration(s.Metadata.DurationSeconds) * time.Second).Round(time.Minute),
					s.Stats.SegmentCount,
					s.Stats.Words,
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&campaign, "campaign", "", "filter by campaign name or id")
	return cmd
}

func newSessionsAuditCmd(r *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Scan the output root for structural problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := r.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			findings, err := scanSessions(a.Sessions, a.Campaigns)
			if err != nil {
				return err
			}
			if len(findings) == 0 {
				cmd.Println("output root is clean")
				return nil
			}
			printFindings(cmd, findings)
			return fmt.Errorf("%d problem(s) found", len(findings))
		},
	}
}

func newSessionsCleanupCmd(r *rootState) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove leftovers the audit flags as safe to delete",
		Long: `Cleanup removes what a scan marks removable: empty session directories,
interrupted atomic-write temp files, and intermediate outputs of finished
runs. Everything else is reported and left in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := r.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			findings, err := scanSessions(a.Sessions, a.Campaigns)
			if err != nil {
				return err
			}
			rep := a.Sessions.Cleanup(findings, dryRun)
			for _, f := range rep.Removed {
				verb := "removed"
				if dryRun {
					verb = "would remove"
				}
				cmd.Printf("%s %s (%s)\n", verb, f.Path, f.Kind)
			}
			for _, f := range rep.Failed {
				cmd.PrintErrf("failed to remove %s: %s\n", f.Path, f.Detail)
			}

			status := audit.StatusOK
			if len(rep.Failed) > 0 {
				status = audit.StatusError
			}
			a.Audit.Log(audit.Event{
				Action: audit.ActionSessionsCleanup,
				Status: status,
				Metadata: map[string]any{
					"dry_run": dryRun,
					"removed": len(rep.Removed),
					"skipped": len(rep.Skipped),
					"failed":  len(rep.Failed),
				},
			})
			cmd.Println(rep)
			if len(rep.Failed) > 0 {
				return fmt.Errorf("cleanup incomplete")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without deleting anything")
	return cmd
}

func newSessionsExportCmd(r *rootState) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session directory as a ZIP archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			id := args[0]
			if !a.Sessions.Exists(id) {
				return fmt.Errorf("session %q not found", id)
			}
			if out == "" {
				out = id + ".zip"
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := a.Artifacts.Zip(id, f); err != nil {
				f.Close()
				os.Remove(out)
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			var size int64
			if info, err := os.Stat(out); err == nil {
				size = info.Size()
			}
			a.Audit.Log(audit.Event{
				Action: audit.ActionArtifactZip,
				Source: id,
				Status: audit.StatusOK,
				Metadata: map[string]any{
					"out":   out,
					"bytes": size,
				},
			})
			cmd.Printf("exported %s to %s (%d bytes)\n", id, out, size)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (default <session-id>.zip)")
	return cmd
}

// scanSessions runs a checkup with campaign validation wired in.
func scanSessions(sessions *store.SessionStore, campaigns *store.CampaignStore) ([]store.Finding, error) {
	return sessions.Checkup(store.CheckupOptions{
		KnownCampaign: func(id string) bool {
			_, err := campaigns.Get(id)
			return err == nil
		},
	})
}

func printFindings(cmd *cobra.Command, findings []store.Finding) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tSESSION\tPATH\tDETAIL")
	for _, f := range findings {
		sid := f.SessionID
		if sid == "" {
			sid = "-"
		}
		detail := f.Detail
		if f.Removable {
			if detail != "" {
				detail += "; "
			}
			detail += "removable via cleanup"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Kind, sid, f.Path, detail)
	}
	w.Flush()
}
