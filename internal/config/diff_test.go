package config_test

import (
	"slices"
	"testing"

	"github.com/lorekeep/lorekeep/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Chat:   config.ChatConfig{TopK: 6, Temperature: 0.7},
	}
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RequiresRestart) != 0 {
		t.Errorf("log level is hot-reloadable, got restart paths %v", d.RequiresRestart)
	}
}

func TestDiff_ChatChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Chat: config.ChatConfig{TopK: 6, Temperature: 0.7}}
	new := &config.Config{Chat: config.ChatConfig{TopK: 12, Temperature: 0.7}}

	d := config.Diff(old, new)
	if !d.ChatChanged {
		t.Error("expected ChatChanged=true")
	}
	if d.NewChat.TopK != 12 {
		t.Errorf("expected NewChat.TopK=12, got %d", d.NewChat.TopK)
	}
	if len(d.RequiresRestart) != 0 {
		t.Errorf("chat tunables are hot-reloadable, got restart paths %v", d.RequiresRestart)
	}
}

func TestDiff_ProviderModelRequiresRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	old.Providers.LLM = config.ProviderEntry{Name: "ollama", Model: "llama3.1"}
	new := &config.Config{}
	new.Providers.LLM = config.ProviderEntry{Name: "ollama", Model: "qwen3"}

	d := config.Diff(old, new)
	if !slices.Contains(d.RequiresRestart, "providers.llm") {
		t.Errorf("expected providers.llm in RequiresRestart, got %v", d.RequiresRestart)
	}
	if d.LogLevelChanged || d.ChatChanged {
		t.Error("provider change should not flip hot-reload flags")
	}
}

func TestDiff_ListenAddrAndKnowledgeRequireRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":8095"},
		Knowledge: config.KnowledgeConfig{PostgresDSN: "postgres://a/db"},
	}
	new := &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":9090"},
		Knowledge: config.KnowledgeConfig{PostgresDSN: "postgres://b/db"},
	}

	d := config.Diff(old, new)
	for _, want := range []string{"server.listen_addr", "knowledge"} {
		if !slices.Contains(d.RequiresRestart, want) {
			t.Errorf("expected %q in RequiresRestart, got %v", want, d.RequiresRestart)
		}
	}
}

func TestDiff_TLSAddedRequiresRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	new := &config.Config{
		Server: config.ServerConfig{TLS: &config.TLSConfig{CertFile: "c.crt", KeyFile: "c.key"}},
	}

	d := config.Diff(old, new)
	if !slices.Contains(d.RequiresRestart, "server.tls") {
		t.Errorf("expected server.tls in RequiresRestart, got %v", d.RequiresRestart)
	}
}

func TestDiff_EqualNestedOptionsAreNotAChange(t *testing.T) {
	t.Parallel()
	// Options maps come from separate YAML decodes, so equal content must
	// compare equal even though the map values are distinct allocations.
	old := &config.Config{}
	old.Providers.STT = config.ProviderEntry{
		Name:    "native",
		Options: map[string]any{"model_path": "/models/base.bin", "tuning": map[string]any{"threads": 4}},
	}
	new := &config.Config{}
	new.Providers.STT = config.ProviderEntry{
		Name:    "native",
		Options: map[string]any{"model_path": "/models/base.bin", "tuning": map[string]any{"threads": 4}},
	}

	if d := config.Diff(old, new); !d.Empty() {
		t.Errorf("expected empty diff for equal options, got %+v", d)
	}

	new.Providers.STT.Options["tuning"].(map[string]any)["threads"] = 8
	if d := config.Diff(old, new); !slices.Contains(d.RequiresRestart, "providers.stt") {
		t.Errorf("expected providers.stt in RequiresRestart, got %v", d.RequiresRestart)
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":8095"},
		Chat:   config.ChatConfig{TopK: 6},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn, ListenAddr: ":9090"},
		Chat:   config.ChatConfig{TopK: 10},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.ChatChanged {
		t.Error("expected ChatChanged=true")
	}
	if !slices.Contains(d.RequiresRestart, "server.listen_addr") {
		t.Errorf("expected server.listen_addr in RequiresRestart, got %v", d.RequiresRestart)
	}
	if d.Empty() {
		t.Error("diff with changes should not be Empty")
	}
}
