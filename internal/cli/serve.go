package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/app"
	"github.com/lorekeep/lorekeep/internal/audit"
	"github.com/lorekeep/lorekeep/internal/chat"
	"github.com/lorekeep/lorekeep/internal/config"
)

func newServeCmd(r *rootState) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the processed archive over HTTP, websocket chat and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if addr != "" {
				r.cfg.Server.ListenAddr = addr
			}

			a, err := r.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.InitObservability(ctx); err != nil {
				return err
			}
			if err := a.ConnectProviders(app.Need{LLM: true, Embeddings: true}); err != nil {
				return err
			}
			if err := a.ConnectKnowledge(ctx); err != nil {
				slog.Warn("knowledge base unavailable, serving without retrieval", "error", err)
			}

			srv, err := a.Server()
			if err != nil {
				return err
			}

			// Hot reload: log level and chat tunables apply in place; the
			// rest is logged as needing a restart. No config file, no
			// watcher.
			if _, err := os.Stat(r.configPath); err == nil {
				watcher, werr := config.NewWatcher(r.configPath, func(old, new *config.Config) {
					applyReload(r, a, srv, old, new)
				})
				if werr != nil {
					slog.Warn("config watcher disabled", "error", werr)
				} else {
					defer watcher.Stop()
				}
			}

			a.Audit.Log(audit.Event{
				Action: audit.ActionServeStart,
				Status: audit.StatusOK,
				Metadata: map[string]any{
					"addr": r.cfg.Server.ListenAddr,
					"tls":  r.cfg.Server.TLS != nil,
				},
			})
			slog.Info("server starting", "addr", r.cfg.Server.ListenAddr)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.listen_addr)")
	return cmd
}

// chatReloader is the piece of the server the reload path touches.
type chatReloader interface {
	SetChatEngine(*chat.Engine)
}

func applyReload(r *rootState, a *app.App, srv chatReloader, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		r.logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ChatChanged {
		a.Config.Chat = d.NewChat
		engine, err := a.ChatEngine()
		if err != nil {
			slog.Warn("chat settings not applied", "error", err)
		} else {
			srv.SetChatEngine(engine)
			slog.Info("chat settings reloaded")
		}
	}
	for _, path := range d.RequiresRestart {
		slog.Warn("config change requires restart", "setting", path)
	}
}
