// Package groq provides an stt.Provider backed by Groq's hosted whisper
// models. Groq exposes an OpenAI-compatible transcription endpoint, so this
// package is a thin constructor over the openai provider with Groq defaults
// applied.
//
// Usage:
//
//	p, err := groq.New(os.Getenv("GROQ_API_KEY"))
//	res, err := p.Transcribe(ctx, stt.Request{Samples: clip.Samples, SampleRate: clip.SampleRate})
package groq

import (
	"github.com/lorekeep/lorekeep/pkg/provider/stt/openai"
)

const (
	// DefaultBaseURL is Groq's OpenAI-compatible API root.
	DefaultBaseURL = "https://api.groq.com/openai/v1"

	// DefaultModel is Groq's hosted whisper transcription model.
	DefaultModel = "whisper-large-v3"
)

// New creates a Groq transcription provider authenticated with apiKey.
// Additional options are applied after the Groq defaults, so callers may
// still override the model or HTTP client.
func New(apiKey string, opts ...openai.Option) (*openai.Provider, error) {
	defaults := []openai.Option{
		openai.WithBaseURL(DefaultBaseURL),
		openai.WithModel(DefaultModel),
		openai.WithBackendName("groq"),
	}
	return openai.New(apiKey, append(defaults, opts...)...)
}
