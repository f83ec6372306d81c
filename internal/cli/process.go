package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/app"
	"github.com/lorekeep/lorekeep/internal/pipeline"
	"github.com/lorekeep/lorekeep/internal/store"
)

func newProcessCmd(r *rootState) *cobra.Command {
	var (
		campaign    string
		sessionID   string
		partyFile   string
		speakers    []string
		language    string
		noDiarize   bool
		noNarrative bool
		noIngest    bool
		resume      bool
	)

	cmd := &cobra.Command{
		Use:   "process <audio>...",
		Short: "Process session recordings into a transcript, narrative and knowledge entries",
		Long: `Process runs the full pipeline over one or more recordings. A single file
is treated as a table mix and diarized; multiple files are treated as
per-speaker tracks named by their file stem.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := r.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ConnectProviders(app.Need{
				STT:         true,
				LLM:         true,
				Embeddings:  !noIngest,
				Diarization: !noDiarize && len(args) == 1,
			}); err != nil {
				return err
			}
			// The knowledge base only gates the ingest and entity stages;
			// a broken connection degrades the run, not the transcript.
			if !noIngest {
				if err := a.ConnectKnowledge(ctx); err != nil {
					slog.Warn("knowledge base unavailable, ingest stage disabled", "error", err)
				}
			}

			in := pipeline.Input{
				SessionID:   sessionID,
				AudioFiles:  args,
				Language:    language,
				Resume:      resume,
				NoDiarize:   noDiarize,
				NoNarrative: noNarrative,
				NoIngest:    noIngest,
			}

			if campaign != "" {
				c, err := a.Campaigns.Resolve(campaign)
				if err != nil {
					return fmt.Errorf("resolve campaign %q: %w", campaign, err)
				}
				in.Campaign = &c
			}

			roster, err := resolveRoster(r, partyFile, in.Campaign)
			if err != nil {
				return err
			}
			in.Roster = roster

			overrides, err := parseSpeakerOverrides(speakers)
			if err != nil {
				return err
			}
			in.SpeakerOverrides = overrides

			runner, err := a.Runner()
			if err != nil {
				return err
			}
			res, err := runner.Run(ctx, in)
			if err != nil {
				return err
			}
			printResult(cmd, a, res)
			return nil
		},
	}

	cmd.Flags().StringVar(&campaign, "campaign", "", "campaign name or id to tag the session with")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session id (default: timestamped)")
	cmd.Flags().StringVar(&partyFile, "party", "", "party roster YAML for speaker attribution")
	cmd.Flags().StringSliceVar(&speakers, "speakers", nil, "speaker overrides as Player=LABEL pairs")
	cmd.Flags().StringVar(&language, "language", "", "transcription language (overrides config)")
	cmd.Flags().BoolVar(&noDiarize, "no-diarize", false, "skip speaker diarization")
	cmd.Flags().BoolVar(&noNarrative, "no-narrative", false, "skip narrative generation")
	cmd.Flags().BoolVar(&noIngest, "no-ingest", false, "skip knowledge-base ingestion")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume an interrupted run (requires --session-id)")
	return cmd
}

// resolveRoster picks the party roster: the --party flag wins, then the
// campaign's linked party id, then a roster registered for the campaign's
// name. No roster at all is fine; labels stay unresolved.
func resolveRoster(r *rootState, partyFile string, campaign *store.Campaign) (*store.Roster, error) {
	if partyFile != "" {
		roster, err := store.LoadRoster(partyFile)
		if err != nil {
			return nil, err
		}
		return roster, nil
	}
	if campaign == nil {
		return nil, nil
	}
	if campaign.PartyID != "" {
		roster, err := store.FindRoster(r.partiesDir(), campaign.PartyID)
		if err != nil {
			return nil, fmt.Errorf("campaign %q links party %q: %w", campaign.Name, campaign.PartyID, err)
		}
		return roster, nil
	}
	roster, err := store.FindRosterByCampaign(r.partiesDir(), campaign.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return roster, err
}

// parseSpeakerOverrides turns Player=LABEL pairs into the label-to-player
// map the attribution stage expects.
func parseSpeakerOverrides(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		player, label, ok := strings.Cut(p, "=")
		if !ok || player == "" || label == "" {
			return nil, fmt.Errorf("invalid --speakers entry %q, want Player=LABEL", p)
		}
		out[label] = player
	}
	return out, nil
}

func printResult(cmd *cobra.Command, a *app.App, res *pipeline.Result) {
	sess := res.Session
	cmd.Printf("Session %s processed in %s\n", sess.SessionID, res.Elapsed.Round(100*time.Millisecond))
	if res.ResumedFrom != "" {
		cmd.Printf("  resumed after: %s\n", res.ResumedFrom)
	}
	cmd.Printf("  segments: %d (%d words, %.0f%% in character)\n",
		sess.Stats.SegmentCount, sess.Stats.Words, sess.Stats.ICRatio*100)
	if res.Corrections > 0 {
		cmd.Printf("  transcript corrections: %d\n", res.Corrections)
	}
	if res.Entities > 0 {
		cmd.Printf("  entities updated: %d\n", res.Entities)
	}
	if res.NarrativePath != "" {
		cmd.Printf("  narrative: %s\n", res.NarrativePath)
	}
	if res.Ingest != nil {
		cmd.Printf("  ingested: %d chunks (%d embedded)\n", res.Ingest.Chunks, res.Ingest.Embedded)
	}
	cmd.Printf("  output: %s\n", a.Sessions.Dir(sess.SessionID))
}
