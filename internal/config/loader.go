package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":         {"native", "server", "openai", "groq"},
	"llm":         {"ollama", "openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings":  {"ollama", "openai"},
	"diarization": {"pyannote"},
}

// DefaultPath returns the config file path: $LOREKEEP_CONFIG, or
// "lorekeep.yaml" next to the working directory.
func DefaultPath() string {
	var e struct {
		Path string `env:"LOREKEEP_CONFIG" envDefault:"lorekeep.yaml"`
	}
	// env.Parse on a string field cannot fail; keep the default on error anyway.
	if err := env.Parse(&e); err != nil {
		return "lorekeep.yaml"
	}
	return e.Path
}

// Default returns a Config carrying all built-in defaults. The CLI starts
// from this when no config file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML configuration file at path, overlays environment
// variables, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults, and
// validates. It does not consult the environment — useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Parse(r)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse strictly decodes YAML from r. Unknown keys are an error so typos in
// lorekeep.yaml surface at startup instead of silently configuring nothing.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// envOverrides is the flat set of environment variables Lorekeep honours.
// Parsed with caarlos0/env; pointer fields distinguish "unset" from zero.
type envOverrides struct {
	DBDSN             string `env:"LOREKEEP_DB_DSN"`
	HFToken           string `env:"HF_TOKEN"`
	OllamaModel       string `env:"OLLAMA_MODEL"`
	OllamaBaseURL     string `env:"OLLAMA_BASE_URL"`
	GroqAPIKey        string `env:"GROQ_API_KEY"`
	OpenAIAPIKey      string `env:"OPENAI_API_KEY"`
	WhisperBackend    string `env:"WHISPER_BACKEND"`
	LLMBackend        string `env:"LLM_BACKEND"`
	AuditEnabled      *bool  `env:"AUDIT_LOG_ENABLED"`
	AuditPath         string `env:"AUDIT_LOG_PATH"`
	AuditActor        string `env:"AUDIT_LOG_ACTOR"`
	SaveIntermediates *bool  `env:"SAVE_INTERMEDIATE_OUTPUTS"`
}

// ApplyEnv overlays environment variables onto cfg. Backend selectors
// (WHISPER_BACKEND, LLM_BACKEND) are applied first so that key and URL
// variables land on the provider they belong to.
func ApplyEnv(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("config: parse environment: %w", err)
	}

	if ov.WhisperBackend != "" {
		cfg.Providers.STT.Name = ov.WhisperBackend
	}
	if ov.LLMBackend != "" {
		cfg.Providers.LLM.Name = ov.LLMBackend
	}

	if ov.OllamaModel != "" && cfg.Providers.LLM.Name == "ollama" {
		cfg.Providers.LLM.Model = ov.OllamaModel
	}
	if ov.OllamaBaseURL != "" {
		if cfg.Providers.LLM.Name == "ollama" {
			cfg.Providers.LLM.BaseURL = ov.OllamaBaseURL
		}
		if cfg.Providers.Embeddings.Name == "ollama" {
			cfg.Providers.Embeddings.BaseURL = ov.OllamaBaseURL
		}
	}
	if ov.OpenAIAPIKey != "" {
		if cfg.Providers.LLM.Name == "openai" {
			cfg.Providers.LLM.APIKey = ov.OpenAIAPIKey
		}
		if cfg.Providers.STT.Name == "openai" {
			cfg.Providers.STT.APIKey = ov.OpenAIAPIKey
		}
		if cfg.Providers.Embeddings.Name == "openai" {
			cfg.Providers.Embeddings.APIKey = ov.OpenAIAPIKey
		}
	}
	if ov.GroqAPIKey != "" {
		if cfg.Providers.LLM.Name == "groq" {
			cfg.Providers.LLM.APIKey = ov.GroqAPIKey
		}
		if cfg.Providers.STT.Name == "groq" {
			cfg.Providers.STT.APIKey = ov.GroqAPIKey
		}
	}
	if ov.HFToken != "" {
		cfg.Providers.Diarization.APIKey = ov.HFToken
	}

	if ov.DBDSN != "" {
		cfg.Knowledge.PostgresDSN = ov.DBDSN
	}
	if ov.AuditEnabled != nil {
		cfg.Audit.Enabled = ov.AuditEnabled
	}
	if ov.AuditPath != "" {
		cfg.Audit.Path = ov.AuditPath
	}
	if ov.AuditActor != "" {
		cfg.Audit.Actor = ov.AuditActor
	}
	if ov.SaveIntermediates != nil {
		cfg.Pipeline.SaveIntermediates = ov.SaveIntermediates
	}
	return nil
}

// applyDefaults fills every zero-valued tunable.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8095"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogText
	}
	if cfg.Paths.OutputRoot == "" {
		cfg.Paths.OutputRoot = "output"
	}
	if cfg.Paths.DataRoot == "" {
		cfg.Paths.DataRoot = "data"
	}
	if cfg.Pipeline.Language == "" {
		cfg.Pipeline.Language = "en"
	}
	if cfg.Pipeline.ClassifyBatchSize == 0 {
		cfg.Pipeline.ClassifyBatchSize = 40
	}
	if cfg.Pipeline.MaxClipSeconds == 0 {
		cfg.Pipeline.MaxClipSeconds = 300
	}
	if cfg.Pipeline.EmbedWorkers == 0 {
		cfg.Pipeline.EmbedWorkers = 4
	}
	if cfg.Chat.HistoryBudgetTokens == 0 {
		cfg.Chat.HistoryBudgetTokens = 4096
	}
	if cfg.Chat.TopK == 0 {
		cfg.Chat.TopK = 6
	}
	if cfg.Chat.Temperature == 0 {
		cfg.Chat.Temperature = 0.7
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = filepath.Join(cfg.Paths.DataRoot, "audit.ndjson")
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("diarization", cfg.Providers.Diarization.Name)

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; classification, narrative generation and chat will be unavailable")
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Knowledge.PostgresDSN == "" {
		slog.Warn("providers.embeddings is configured but knowledge.postgres_dsn is empty; ingest has nowhere to store chunks")
	}
	if cfg.Knowledge.PostgresDSN != "" && cfg.Providers.Embeddings.Name == "" {
		slog.Warn("knowledge.postgres_dsn is set without an embeddings provider; chunks will be indexed for text search only")
	}

	// Knowledge
	if cfg.Knowledge.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("knowledge.embedding_dimensions %d is negative", cfg.Knowledge.EmbeddingDimensions))
	}

	// Pipeline. Zero means "use the default", so only explicit bad values
	// are rejected.
	if cfg.Pipeline.ClassifyBatchSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.classify_batch_size %d is negative", cfg.Pipeline.ClassifyBatchSize))
	}
	if cfg.Pipeline.MaxClipSeconds != 0 && cfg.Pipeline.MaxClipSeconds < 30 {
		errs = append(errs, fmt.Errorf("pipeline.max_clip_seconds %.0f must be at least 30", cfg.Pipeline.MaxClipSeconds))
	}
	if cfg.Pipeline.EmbedWorkers < 0 {
		errs = append(errs, fmt.Errorf("pipeline.embed_workers %d is negative", cfg.Pipeline.EmbedWorkers))
	}

	// Chat
	if cfg.Chat.HistoryBudgetTokens != 0 && cfg.Chat.HistoryBudgetTokens < 256 {
		errs = append(errs, fmt.Errorf("chat.history_budget_tokens %d is too small; minimum 256", cfg.Chat.HistoryBudgetTokens))
	}
	if cfg.Chat.TopK < 0 {
		errs = append(errs, fmt.Errorf("chat.top_k %d is negative", cfg.Chat.TopK))
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
