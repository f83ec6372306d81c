// Package cli implements the lorekeep command tree. Each command builds an
// [app.App] from the loaded config and connects only the subsystems it
// needs: `campaigns list` touches nothing but the registry file, while
// `process` loads providers and, when configured, the knowledge base.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/app"
	"github.com/lorekeep/lorekeep/internal/config"
)

// rootState is shared by every command: the resolved config and the level
// var the serve command retunes on hot reload.
type rootState struct {
	configPath string
	cfg        *config.Config
	logLevel   *slog.LevelVar
}

// NewRootCmd assembles the full command tree. Exposed for tests; main uses
// [Execute].
func NewRootCmd() *cobra.Command {
	r := &rootState{logLevel: new(slog.LevelVar)}

	cmd := &cobra.Command{
		Use:   "lorekeep",
		Short: "Turn D&D session recordings into transcripts, narratives and a searchable campaign archive",
		Long: `Lorekeep processes tabletop session recordings end to end: audio decoding,
transcription, speaker attribution, in-character/out-of-character
classification, knowledge-base ingestion and narrative generation. The same
binary serves the processed archive over HTTP, chat and MCP.`,
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return r.setup(cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&r.configPath, "config", "", "config file (default $LOREKEEP_CONFIG or ./lorekeep.yaml)")

	cmd.AddCommand(
		newProcessCmd(r),
		newCheckSetupCmd(r),
		newIngestCmd(r),
		newCampaignsCmd(r),
		newSessionsCmd(r),
		newChatCmd(r),
		newServeCmd(r),
		newMCPCmd(r),
	)
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// setup loads the config and installs the process-wide logger. A missing
// config file is not an error: the built-in defaults apply, which is enough
// for check-setup and the read-only commands.
func (r *rootState) setup(cmd *cobra.Command) error {
	path := r.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	r.configPath = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		if err := config.ApplyEnv(cfg); err != nil {
			return err
		}
		r.cfg = cfg
	} else {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		r.cfg = cfg
	}

	r.logLevel.Set(slogLevel(r.cfg.Server.LogLevel))
	opts := &slog.HandlerOptions{Level: r.logLevel}
	var handler slog.Handler
	if r.cfg.Server.LogFormat == config.LogJSON {
		handler = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
	} else {
		handler = slog.NewTextHandler(cmd.ErrOrStderr(), opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// newApp builds the base application layer (stores, audit, artifact
// sandbox) from the loaded config.
func (r *rootState) newApp() (*app.App, error) {
	return app.New(r.cfg)
}

// partiesDir is where rosters live under the data root.
func (r *rootState) partiesDir() string {
	return filepath.Join(r.cfg.Paths.DataRoot, "parties")
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
