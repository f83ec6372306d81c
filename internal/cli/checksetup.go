package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/pkg/audio"
	kbpostgres "github.com/lorekeep/lorekeep/pkg/knowledge/postgres"
)

// setupCheck is one row of the check-setup table. Hard failures flip the
// exit code; soft ones are informational (optional subsystems that are
// simply not configured).
type setupCheck struct {
	name string
	run  func(ctx context.Context) (ok bool, detail string)
	hard bool
}

func newCheckSetupCmd(r *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "check-setup",
		Short: "Verify configuration, directories, ffmpeg and provider reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			checks := buildChecks(r)
			failed := false
			for _, c := range checks {
				ok, detail := c.run(ctx)
				status := "OK"
				if !ok {
					status = "FAIL"
					if c.hard {
						failed = true
					}
				}
				cmd.Printf("  %-4s  %-22s %s\n", status, c.name, detail)
			}
			if failed {
				return fmt.Errorf("setup is incomplete")
			}
			return nil
		},
	}
}

func buildChecks(r *rootState) []setupCheck {
	cfg := r.cfg
	p := cfg.Providers

	checks := []setupCheck{
		{
			name: "config",
			hard: true,
			run: func(context.Context) (bool, string) {
				if _, err := os.Stat(r.configPath); os.IsNotExist(err) {
					return true, fmt.Sprintf("no file at %s, using defaults", r.configPath)
				}
				return true, r.configPath
			},
		},
		{
			name: "output root",
			hard: true,
			run: func(context.Context) (bool, string) {
				return checkWritable(cfg.Paths.OutputRoot)
			},
		},
		{
			name: "data root",
			hard: true,
			run: func(context.Context) (bool, string) {
				return checkWritable(cfg.Paths.DataRoot)
			},
		},
		{
			name: "ffmpeg",
			hard: true,
			run: func(context.Context) (bool, string) {
				if audio.FFmpegAvailable() {
					return true, "found on PATH"
				}
				return false, "not found on PATH; only WAV input will work"
			},
		},
		{
			name: "stt provider",
			hard: true,
			run: func(ctx context.Context) (bool, string) {
				return checkSTT(ctx, p.STT)
			},
		},
		{
			name: "diarization",
			run: func(ctx context.Context) (bool, string) {
				if p.Diarization.Name == "" {
					return true, "not configured (single-track attribution only)"
				}
				if p.Diarization.APIKey == "" && os.Getenv("HF_TOKEN") == "" {
					return false, fmt.Sprintf("%s configured but no api key or HF_TOKEN", p.Diarization.Name)
				}
				return reachable(ctx, p.Diarization.BaseURL, p.Diarization.Name)
			},
		},
		{
			name: "llm provider",
			run: func(ctx context.Context) (bool, string) {
				return checkNamedProvider(ctx, "llm", p.LLM, "classification degrades to heuristics")
			},
		},
		{
			name: "embeddings",
			run: func(ctx context.Context) (bool, string) {
				return checkNamedProvider(ctx, "embeddings", p.Embeddings, "knowledge search falls back to full-text")
			},
		},
		{
			name: "knowledge base",
			run: func(ctx context.Context) (bool, string) {
				return checkPostgres(ctx, cfg)
			},
		},
	}
	return checks
}

// checkWritable proves the directory can be created and written to.
func checkWritable(dir string) (bool, string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(dir, ".lorekeep-check-*")
	if err != nil {
		return false, fmt.Sprintf("%s is not writable: %v", dir, err)
	}
	f.Close()
	os.Remove(f.Name())
	return true, dir
}

func checkSTT(ctx context.Context, e config.ProviderEntry) (bool, string) {
	switch e.Name {
	case "":
		return false, "no stt provider configured (providers.stt.name or WHISPER_BACKEND)"
	case "native":
		path := e.StringOption("model_path")
		if path == "" {
			return false, "native backend needs options.model_path"
		}
		if _, err := os.Stat(path); err != nil {
			return false, fmt.Sprintf("model file %s: %v", path, err)
		}
		return true, fmt.Sprintf("native, model %s", path)
	case "server":
		return reachable(ctx, e.BaseURL, "whisper server")
	default:
		if e.APIKey == "" {
			return false, fmt.Sprintf("%s configured but no api key", e.Name)
		}
		return true, e.Name
	}
}

// checkNamedProvider covers the optional hosted/local engines: absent is
// fine, configured-but-unauthenticated is not.
func checkNamedProvider(ctx context.Context, kind string, e config.ProviderEntry, whenAbsent string) (bool, string) {
	if e.Name == "" {
		return true, "not configured; " + whenAbsent
	}
	if e.Name == "ollama" || e.Name == "llamacpp" || e.Name == "llamafile" {
		return reachable(ctx, e.BaseURL, e.Name)
	}
	if e.APIKey == "" {
		return false, fmt.Sprintf("%s configured but no api key", e.Name)
	}
	detail := e.Name
	if e.Model != "" {
		detail += " (" + e.Model + ")"
	}
	return true, detail
}

func checkPostgres(ctx context.Context, cfg *config.Config) (bool, string) {
	dsn := cfg.Knowledge.PostgresDSN
	if dsn == "" {
		return true, "not configured; ingest and retrieval disabled"
	}
	dims := cfg.Knowledge.EmbeddingDimensions
	if dims == 0 {
		// Width probing needs a live embeddings call; 768 covers the
		// schema check without one.
		dims = 768
	}
	kb, err := kbpostgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return false, err.Error()
	}
	defer kb.Close()
	if err := kb.Ping(ctx); err != nil {
		return false, err.Error()
	}
	return true, "connected"
}

// reachable probes url with a short GET. Any HTTP response counts: the
// point is ruling out a dead endpoint, not validating the API.
func reachable(ctx context.Context, url, label string) (bool, string) {
	if url == "" {
		return true, label + " (default endpoint)"
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Sprintf("%s: bad url %q: %v", label, url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Sprintf("%s unreachable at %s: %v", label, url, err)
	}
	resp.Body.Close()
	return true, fmt.Sprintf("%s at %s", label, url)
}
