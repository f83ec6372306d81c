// Package app wires Lorekeep's subsystems into one assembly shared by every
// CLI command: stores over the data and output roots, the audit log, the
// provider set, the knowledge base connection, and the composed services
// (pipeline runner, ingester, chat engine, HTTP server).
//
// Construction is phased so commands pay only for what they use. [New]
// builds the file stores and the audit logger — cheap and always needed.
// [App.ConnectProviders] instantiates the external engines a command asked
// for, and [App.ConnectKnowledge] opens Postgres when a DSN is configured.
// `campaigns list` never loads a whisper model; `process` never starts an
// HTTP listener.
//
// For testing, inject doubles via functional options (WithSTT,
// WithKnowledge, etc.). When an option is absent, the connect phases build
// real implementations from the config through the provider registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/lorekeep/lorekeep/internal/artifact"
	"github.com/lorekeep/lorekeep/internal/audit"
	"github.com/lorekeep/lorekeep/internal/chat"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/health"
	"github.com/lorekeep/lorekeep/internal/ingest"
	"github.com/lorekeep/lorekeep/internal/observe"
	"github.com/lorekeep/lorekeep/internal/pipeline"
	"github.com/lorekeep/lorekeep/internal/resilience"
	"github.com/lorekeep/lorekeep/internal/server"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/pkg/knowledge"
	kbpostgres "github.com/lorekeep/lorekeep/pkg/knowledge/postgres"
	"github.com/lorekeep/lorekeep/pkg/provider/diar"
	"github.com/lorekeep/lorekeep/pkg/provider/embeddings"
	"github.com/lorekeep/lorekeep/pkg/provider/llm"
	"github.com/lorekeep/lorekeep/pkg/provider/stt"
)

// Version is stamped into telemetry and the MCP server identity.
// Overridden at build time via -ldflags.
var Version = "dev"

// Need declares which providers a command requires. ConnectProviders
// builds only the requested ones; a missing optional provider (no name
// configured) stays nil rather than erroring.
type Need struct {
	STT         bool
	LLM         bool
	Embeddings  bool
	Diarization bool
}

// App holds the wired subsystems. Fields are nil until the corresponding
// connect phase has run (or an option injected a double).
type App struct {
	Config   *config.Config
	Registry *config.Registry

	Audit   audit.Logger
	Metrics *observe.Metrics

	Campaigns     *store.CampaignStore
	Sessions      *store.SessionStore
	Conversations *store.ConversationStore
	Profiles      *store.ProfileStore
	Artifacts     *artifact.Service

	// KB is the knowledge base, nil when no DSN is configured.
	KB knowledge.Base

	STT      stt.Provider
	LLM      llm.Provider
	Embedder embeddings.Provider
	Diarizer diar.Provider

	// kbPing backs the readiness checker when the knowledge base is real.
	kbPing func(context.Context) error

	// closers run in reverse order during Close.
	closers  []func() error
	stopOnce sync.Once
	closeErr error
}

// Option injects a test double or replaces a default during New.
type Option func(*App)

// WithRegistry replaces the provider registry (default: builtins).
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.Registry = r }
}

// WithAudit injects an audit logger instead of building one from config.
func WithAudit(l audit.Logger) Option {
	return func(a *App) { a.Audit = l }
}

// WithMetrics injects a metrics set instead of the default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.Metrics = m }
}

// WithKnowledge injects a knowledge base; ConnectKnowledge becomes a no-op.
func WithKnowledge(kb knowledge.Base) Option {
	return func(a *App) { a.KB = kb }
}

// WithSTT injects an STT provider; ConnectProviders skips building one.
func WithSTT(p stt.Provider) Option {
	return func(a *App) { a.STT = p }
}

// WithLLM injects an LLM provider.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.LLM = p }
}

// WithEmbedder injects an embeddings provider.
func WithEmbedder(p embeddings.Provider) Option {
	return func(a *App) { a.Embedder = p }
}

// WithDiarizer injects a diarization provider.
func WithDiarizer(p diar.Provider) Option {
	return func(a *App) { a.Diarizer = p }
}

// New builds the always-needed layer: file stores over the configured
// roots, the artifact sandbox, and the audit logger. Providers and the
// knowledge base are connected separately.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	a := &App{Config: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.Registry == nil {
		a.Registry = config.NewRegistry()
		RegisterBuiltinProviders(a.Registry, cfg.Pipeline)
	}
	if a.Audit == nil {
		if cfg.Audit.AuditEnabled() {
			a.Audit = audit.NewFileLogger(cfg.Audit.Path, cfg.Audit.Actor)
		} else {
			a.Audit = audit.Nop{}
		}
	}
	if a.Metrics == nil {
		a.Metrics = observe.DefaultMetrics()
	}

	campaigns, err := store.OpenCampaignStore(filepath.Join(cfg.Paths.DataRoot, "campaigns.json"))
	if err != nil {
		return nil, fmt.Errorf("app: open campaign store: %w", err)
	}
	a.Campaigns = campaigns
	a.Sessions = store.NewSessionStore(cfg.Paths.OutputRoot)
	a.Conversations = store.NewConversationStore(filepath.Join(cfg.Paths.DataRoot, "conversations"))
	a.Profiles = store.NewProfileStore(filepath.Join(cfg.Paths.DataRoot, "profiles"))
	a.Artifacts = artifact.NewService(cfg.Paths.OutputRoot)

	return a, nil
}

// InitObservability starts the OTel SDK (Prometheus exporter, tracer) and
// replaces the default metrics set with one bound to the real meter
// provider. Long-running commands call this; one-shot commands keep the
// no-op default.
func (a *App) InitObservability(ctx context.Context) error {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "lorekeep",
		ServiceVersion: Version,
	})
	if err != nil {
		return fmt.Errorf("app: init observability: %w", err)
	}
	a.closers = append(a.closers, func() error {
		return shutdown(context.Background())
	})

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("app: create metrics: %w", err)
	}
	a.Metrics = m
	return nil
}

// ConnectProviders builds the requested providers from the config through
// the registry. A required STT with no configured name fails; an LLM,
// embedder or diarizer with no name is skipped, leaving the dependent
// stages disabled. Injected doubles are left untouched.
func (a *App) ConnectProviders(need Need) error {
	p := a.Config.Providers

	if need.STT && a.STT == nil {
		if p.STT.Name == "" {
			return errors.New("app: no stt provider configured (providers.stt.name or WHISPER_BACKEND)")
		}
		prov, err := a.Registry.CreateSTT(p.STT)
		if err != nil {
			return fmt.Errorf("app: create stt provider: %w", err)
		}
		a.STT = a.withSTTFallback(prov, p.STT)
		a.addCloser(a.STT)
	}

	if need.LLM && a.LLM == nil && p.LLM.Name != "" {
		prov, err := a.Registry.CreateLLM(p.LLM)
		if err != nil {
			return fmt.Errorf("app: create llm provider: %w", err)
		}
		a.LLM = a.withLLMFallback(prov, p.LLM)
	}

	if need.Embeddings && a.Embedder == nil && p.Embeddings.Name != "" {
		prov, err := a.Registry.CreateEmbeddings(p.Embeddings)
		if err != nil {
			return fmt.Errorf("app: create embeddings provider: %w", err)
		}
		a.Embedder = prov
	}

	if need.Diarization && a.Diarizer == nil && p.Diarization.Name != "" {
		prov, err := a.Registry.CreateDiarizer(p.Diarization)
		if err != nil {
			return fmt.Errorf("app: create diarization provider: %w", err)
		}
		a.Diarizer = prov
		a.addCloser(prov)
	}

	return nil
}

// withSTTFallback wraps prov in a [resilience.STTFallback] when the entry
// carries a nested fallback block; otherwise prov is returned unchanged.
func (a *App) withSTTFallback(prov stt.Provider, entry config.ProviderEntry) stt.Provider {
	fe, ok := fallbackEntry(entry)
	if !ok {
		return prov
	}
	fb, err := a.Registry.CreateSTT(fe)
	if err != nil {
		slog.Warn("stt fallback unavailable", "name", fe.Name, "error", err)
		return prov
	}
	group := resilience.NewSTTFallback(prov, entry.Name, resilience.FallbackConfig{})
	group.AddFallback(fe.Name, fb)
	slog.Info("stt failover enabled", "primary", entry.Name, "fallback", fe.Name)
	return group
}

// withLLMFallback is the LLM counterpart of withSTTFallback.
func (a *App) withLLMFallback(prov llm.Provider, entry config.ProviderEntry) llm.Provider {
	fe, ok := fallbackEntry(entry)
	if !ok {
		return prov
	}
	fb, err := a.Registry.CreateLLM(fe)
	if err != nil {
		slog.Warn("llm fallback unavailable", "name", fe.Name, "error", err)
		return prov
	}
	group := resilience.NewLLMFallback(prov, entry.Name, resilience.FallbackConfig{})
	group.AddFallback(fe.Name, fb)
	slog.Info("llm failover enabled", "primary", entry.Name, "fallback", fe.Name)
	return group
}

// fallbackEntry reads an entry's options.fallback block as a provider entry
// of the same kind. Returns ok=false when the block is absent or names
// nothing.
func fallbackEntry(e config.ProviderEntry) (config.ProviderEntry, bool) {
	raw, ok := e.Options["fallback"].(map[string]any)
	if !ok {
		return config.ProviderEntry{}, false
	}
	var fe config.ProviderEntry
	fe.Name, _ = raw["name"].(string)
	fe.APIKey, _ = raw["api_key"].(string)
	fe.BaseURL, _ = raw["base_url"].(string)
	fe.Model, _ = raw["model"].(string)
	fe.Options, _ = raw["options"].(map[string]any)
	return fe, fe.Name != ""
}

// ConnectKnowledge opens the Postgres knowledge base when a DSN is
// configured. The embedding width comes from the config override or, when
// zero, from the connected embeddings provider; FTS-only setups (no
// embedder at all) must set knowledge.embedding_dimensions explicitly so
// the vector column can be declared.
func (a *App) ConnectKnowledge(ctx context.Context) error {
	if a.KB != nil {
		return nil
	}
	dsn := a.Config.Knowledge.PostgresDSN
	if dsn == "" {
		return nil
	}

	dims := a.Config.Knowledge.EmbeddingDimensions
	if dims == 0 && a.Embedder != nil {
		dims = a.Embedder.Dimensions()
	}
	if dims <= 0 {
		return errors.New("app: knowledge.embedding_dimensions must be set when no embeddings provider is connected")
	}

	kb, err := kbpostgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return fmt.Errorf("app: connect knowledge base: %w", err)
	}
	a.KB = kb
	a.kbPing = kb.Ping
	a.closers = append(a.closers, func() error {
		kb.Close()
		return nil
	})
	slog.Info("knowledge base connected", "dimensions", dims)
	return nil
}

// Ingester assembles the knowledge-base ingester. Requires a connected
// knowledge base.
func (a *App) Ingester() (*ingest.Ingester, error) {
	if a.KB == nil {
		return nil, errors.New("app: ingest requires a knowledge base (knowledge.postgres_dsn)")
	}
	return ingest.New(ingest.Config{
		Index:       a.KB,
		Catalog:     a.KB,
		Embedder:    a.Embedder,
		Sessions:    a.Sessions,
		Audit:       a.Audit,
		Concurrency: a.Config.Pipeline.EmbedWorkers,
	})
}

// Runner assembles the processing pipeline from whatever providers are
// connected. Optional pieces that are absent simply drop their stages.
func (a *App) Runner() (*pipeline.Runner, error) {
	cfg := pipeline.Config{
		Sessions:          a.Sessions,
		STT:               a.STT,
		Diarizer:          a.Diarizer,
		LLM:               a.LLM,
		Profiles:          a.Profiles,
		Audit:             a.Audit,
		Metrics:           a.Metrics,
		Language:          a.Config.Pipeline.Language,
		ClassifyBatchSize: a.Config.Pipeline.ClassifyBatchSize,
		SaveIntermediates: a.Config.Pipeline.SaveIntermediatesEnabled(),
	}
	if a.KB != nil {
		cfg.Catalog = a.KB
		ing, err := a.Ingester()
		if err != nil {
			return nil, err
		}
		cfg.Ingester = ing
	}
	return pipeline.New(cfg)
}

// ChatEngine assembles the campaign Q&A engine from the config's chat
// block. Requires a connected LLM.
func (a *App) ChatEngine() (*chat.Engine, error) {
	if a.LLM == nil {
		return nil, errors.New("app: chat requires an llm provider")
	}
	return chat.New(chat.Config{
		LLM:           a.LLM,
		Conversations: a.Conversations,
		Index:         a.KB,
		Embedder:      a.Embedder,
		Campaigns:     a.Campaigns,
		Sessions:      a.Sessions,
		Audit:         a.Audit,
		Metrics:       a.Metrics,
		HistoryBudget: a.Config.Chat.HistoryBudgetTokens,
		TopK:          a.Config.Chat.TopK,
		Temperature:   float64(a.Config.Chat.Temperature),
		SystemPrompt:  a.Config.Chat.SystemPrompt,
	})
}

// Server assembles the HTTP server with readiness checkers for everything
// this App has connected. Chat endpoints activate only when an LLM is
// wired.
func (a *App) Server() (*server.Server, error) {
	checkers := []health.Checker{
		health.OutputRoot(a.Config.Paths.OutputRoot),
		health.Providers(a.LLM != nil),
	}
	if a.kbPing != nil {
		checkers = append(checkers, health.Knowledge(pingFunc(a.kbPing)))
	}

	cfg := server.Config{
		Addr:          a.Config.Server.ListenAddr,
		Campaigns:     a.Campaigns,
		Sessions:      a.Sessions,
		Conversations: a.Conversations,
		Artifacts:     a.Artifacts,
		Health:        health.New(checkers...),
		Audit:         a.Audit,
		Metrics:       a.Metrics,
	}
	if tls := a.Config.Server.TLS; tls != nil {
		cfg.TLSCertFile = tls.CertFile
		cfg.TLSKeyFile = tls.KeyFile
	}
	if a.LLM != nil {
		engine, err := a.ChatEngine()
		if err != nil {
			return nil, err
		}
		cfg.Chat = engine
	}
	return server.New(cfg)
}

// Close releases providers and connections in reverse construction order.
// Safe to call more than once; later calls return the first result.
func (a *App) Close() error {
	a.stopOnce.Do(func() {
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// addCloser registers v's Close when it has one.
func (a *App) addCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

// pingFunc adapts a bare ping function to the health package's Pinger.
type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
