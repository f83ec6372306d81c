// Package server exposes the processed campaign archive over HTTP: JSON
// APIs for campaigns, sessions and conversations, a sandboxed artifact
// browser over the output root, chat as a blocking POST or a websocket
// update stream, plus health probes and a Prometheus metrics endpoint.
//
// The server is read-mostly: session processing happens in the CLI, and
// the only writes exposed here are campaign creation and chat turns. All
// responses are JSON except narrative markdown, artifact ZIP streams and
// the metrics exposition.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lorekeep/lorekeep/internal/artifact"
	"github.com/lorekeep/lorekeep/internal/audit"
	"github.com/lorekeep/lorekeep/internal/chat"
	"github.com/lorekeep/lorekeep/internal/health"
	"github.com/lorekeep/lorekeep/internal/observe"
	"github.com/lorekeep/lorekeep/internal/store"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8095"

	// shutdownTimeout bounds the drain of in-flight requests on shutdown.
	shutdownTimeout = 10 * time.Second

	// readHeaderTimeout guards against slow-header connections.
	readHeaderTimeout = 10 * time.Second
)

// Config wires a [Server]. The four stores are required; chat, health
// checks, audit and metrics are optional.
type Config struct {
	// Addr is the TCP listen address. Empty uses [DefaultAddr].
	Addr string

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	Campaigns     *store.CampaignStore
	Sessions      *store.SessionStore
	Conversations *store.ConversationStore
	Artifacts     *artifact.Service

	// Chat answers /api/chat and /ws/chat. Nil serves 503 on both.
	Chat *chat.Engine

	// Health supplies the /readyz checkers. Nil registers probes that
	// always pass.
	Health *health.Handler

	// Audit receives serve.start and artifact.zip events.
	Audit audit.Logger

	// Metrics backs the HTTP middleware and the zip byte counter.
	Metrics *observe.Metrics
}

// Server is the Lorekeep HTTP server. Construct with [New], serve with
// [Server.Run]. The chat engine can be swapped at runtime when a config
// reload changes the chat tunables.
type Server struct {
	addr     string
	certFile string
	keyFile  string

	campaigns     *store.CampaignStore
	sessions      *store.SessionStore
	conversations *store.ConversationStore
	artifacts     *artifact.Service
	audit         audit.Logger
	metrics       *observe.Metrics

	chat    atomic.Pointer[chat.Engine]
	handler http.Handler
}

// New validates cfg and builds the route table.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Campaigns == nil:
		return nil, errors.New("server: a campaign store is required")
	case cfg.Sessions == nil:
		return nil, errors.New("server: a session store is required")
	case cfg.Conversations == nil:
		return nil, errors.New("server: a conversation store is required")
	case cfg.Artifacts == nil:
		return nil, errors.New("server: an artifact service is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Server{
		addr:          cfg.Addr,
		certFile:      cfg.TLSCertFile,
		keyFile:       cfg.TLSKeyFile,
		campaigns:     cfg.Campaigns,
		sessions:      cfg.Sessions,
		conversations: cfg.Conversations,
		artifacts:     cfg.Artifacts,
		audit:         cfg.Audit,
		metrics:       cfg.Metrics,
	}
	s.chat.Store(cfg.Chat)

	mux := http.NewServeMux()
	cfg.Health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/campaigns", s.handleCampaignList)
	mux.HandleFunc("POST /api/campaigns", s.handleCampaignCreate)
	mux.HandleFunc("GET /api/campaigns/{id}/sessions", s.handleCampaignSessions)

	mux.HandleFunc("GET /api/sessions", s.handleSessionList)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("GET /api/sessions/{id}/narrative", s.handleSessionNarrative)

	mux.HandleFunc("GET /api/conversations", s.handleConversationList)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleConversationGet)

	mux.HandleFunc("GET /api/artifacts", s.handleArtifactList)
	mux.HandleFunc("GET /api/artifacts/preview", s.handleArtifactPreview)
	mux.HandleFunc("GET /api/artifacts/zip", s.handleArtifactZip)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /ws/chat", s.handleChatSocket)

	s.handler = observe.Middleware(s.metrics)(mux)
	return s, nil
}

// Handler returns the full route table including middleware, for tests
// and for embedding under another mux.
func (s *Server) Handler() http.Handler { return s.handler }

// SetChatEngine swaps the chat engine serving /api/chat and /ws/chat.
// In-flight turns keep the engine they started with.
func (s *Server) SetChatEngine(e *chat.Engine) { s.chat.Store(e) }

// Run serves until ctx is cancelled, then drains in-flight requests for
// up to shutdownTimeout. A clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" && s.keyFile != "" {
			err = srv.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	s.audit.Log(audit.Event{
		Action:   audit.ActionServeStart,
		Status:   audit.StatusOK,
		Metadata: map[string]any{"addr": s.addr, "tls": s.certFile != ""},
	})
	slog.Info("server listening", "addr", s.addr, "tls", s.certFile != "")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown did not drain in time", "error", err)
		return err
	}
	slog.Info("server stopped")
	return <-errCh
}
