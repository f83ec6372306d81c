package config

import "reflect"

// ConfigDiff describes what changed between two configs. Serve mode applies
// the hot-reloadable changes (log level, chat tunables) in place and logs
// the rest as requiring a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ChatChanged is true when any chat tunable differs; NewChat carries
	// the full replacement block.
	ChatChanged bool
	NewChat     ChatConfig

	// RequiresRestart lists dot-paths of changed settings that cannot be
	// applied to a running server (providers, paths, knowledge store,
	// listen address).
	RequiresRestart []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ChatChanged && len(d.RequiresRestart) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Chat != new.Chat {
		d.ChatChanged = true
		d.NewChat = new.Chat
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RequiresRestart = append(d.RequiresRestart, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.log_format", old.Server.LogFormat != new.Server.LogFormat)
	restart("server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS))
	restart("paths", old.Paths != new.Paths)
	restart("providers.stt", !entryEqual(old.Providers.STT, new.Providers.STT))
	restart("providers.llm", !entryEqual(old.Providers.LLM, new.Providers.LLM))
	restart("providers.embeddings", !entryEqual(old.Providers.Embeddings, new.Providers.Embeddings))
	restart("providers.diarization", !entryEqual(old.Providers.Diarization, new.Providers.Diarization))
	restart("knowledge", old.Knowledge != new.Knowledge)

	return d
}

// entryEqual compares provider entries including their free-form options.
// Options values may be nested maps from YAML, so DeepEqual rather than ==.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options)
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
