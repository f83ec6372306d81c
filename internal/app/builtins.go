package app

import (
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/pkg/provider/diar"
	"github.com/lorekeep/lorekeep/pkg/provider/diar/pyannote"
	"github.com/lorekeep/lorekeep/pkg/provider/embeddings"
	ollamaembed "github.com/lorekeep/lorekeep/pkg/provider/embeddings/ollama"
	oaembed "github.com/lorekeep/lorekeep/pkg/provider/embeddings/openai"
	"github.com/lorekeep/lorekeep/pkg/provider/llm"
	"github.com/lorekeep/lorekeep/pkg/provider/llm/anyllm"
	oallm "github.com/lorekeep/lorekeep/pkg/provider/llm/openai"
	"github.com/lorekeep/lorekeep/pkg/provider/stt"
	groqstt "github.com/lorekeep/lorekeep/pkg/provider/stt/groq"
	oaistt "github.com/lorekeep/lorekeep/pkg/provider/stt/openai"
	"github.com/lorekeep/lorekeep/pkg/provider/stt/whisper"
)

// anyLLMBackends are the LLM provider names served through any-llm-go.
// "openai" is deliberately absent: it goes through the openai-go provider,
// which supports the response-format control the JSON-contract callers
// (classifier, extractor) rely on.
var anyLLMBackends = []string{
	"ollama", "anthropic", "gemini", "deepseek", "mistral",
	"groq", "llamacpp", "llamafile",
}

// RegisterBuiltinProviders installs every provider factory shipped with
// Lorekeep. The pipeline config contributes cross-provider tunables (the
// HTTP STT backends split long audio at max_clip_seconds).
func RegisterBuiltinProviders(reg *config.Registry, pipe config.PipelineConfig) {
	reg.RegisterSTT("native", func(e config.ProviderEntry) (stt.Provider, error) {
		modelPath := e.StringOption("model_path")
		if modelPath == "" {
			return nil, fmt.Errorf("stt native: options.model_path is required")
		}
		var opts []whisper.NativeOption
		if pipe.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(pipe.Language))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("server", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if pipe.Language != "" {
			opts = append(opts, whisper.WithLanguage(pipe.Language))
		}
		if pipe.MaxClipSeconds > 0 {
			opts = append(opts, whisper.WithWindowSeconds(pipe.MaxClipSeconds))
		}
		return whisper.New(e.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(e config.ProviderEntry) (stt.Provider, error) {
		return oaistt.New(e.APIKey, hostedSTTOptions(e, pipe)...)
	})

	reg.RegisterSTT("groq", func(e config.ProviderEntry) (stt.Provider, error) {
		return groqstt.New(e.APIKey, hostedSTTOptions(e, pipe)...)
	})

	for _, name := range anyLLMBackends {
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(e.Name, e.Model, opts...)
		})
	}

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if e.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(e.BaseURL))
		}
		return oallm.New(e.APIKey, e.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(e.BaseURL, e.Model)
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if e.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(e.BaseURL))
		}
		return oaembed.New(e.APIKey, e.Model, opts...)
	})

	reg.RegisterDiarizer("pyannote", func(e config.ProviderEntry) (diar.Provider, error) {
		return pyannote.New(e.BaseURL, e.APIKey)
	})
}

func hostedSTTOptions(e config.ProviderEntry, pipe config.PipelineConfig) []oaistt.Option {
	var opts []oaistt.Option
	if e.BaseURL != "" {
		opts = append(opts, oaistt.WithBaseURL(e.BaseURL))
	}
	if e.Model != "" {
		opts = append(opts, oaistt.WithModel(e.Model))
	}
	if pipe.MaxClipSeconds > 0 {
		opts = append(opts, oaistt.WithWindowSeconds(pipe.MaxClipSeconds))
	}
	return opts
}
