// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription engine — the whisper.cpp CGO
// bindings, a local whisper-server instance, or a hosted OpenAI-compatible
// endpoint — and exposes a uniform batch interface: submit fully decoded
// audio, receive timestamped segments. Session processing is offline, so
// there is no streaming surface; long recordings are handled inside each
// provider (window splitting, offset re-basing) where the backend requires
// it.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/lorekeep/lorekeep/pkg/types"
)

// ErrNoAudio is returned when a transcription request carries no samples.
var ErrNoAudio = errors.New("stt: request contains no audio samples")

// Request describes one batch transcription call.
type Request struct {
	// Samples is the mono PCM audio normalised to [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz. All supported backends expect 16000.
	SampleRate int

	// Language is the BCP-47 language code for recognition (e.g., "en",
	// "de"). An empty string lets the backend auto-detect, if supported.
	Language string

	// Prompt is a decoding hint: prior context or uncommon vocabulary such
	// as fantasy proper nouns. Backends that cannot use it ignore it.
	Prompt string
}

// Validate reports whether the request is well-formed.
func (r Request) Validate() error {
	if len(r.Samples) == 0 {
		return ErrNoAudio
	}
	if r.SampleRate <= 0 {
		return fmt.Errorf("stt: invalid sample rate %d", r.SampleRate)
	}
	return nil
}

// Duration returns the audio length in seconds.
func (r Request) Duration() float64 {
	if r.SampleRate == 0 {
		return 0
	}
	return float64(len(r.Samples)) / float64(r.SampleRate)
}

// Result is a complete transcription of the submitted audio.
type Result struct {
	// Segments is the chronological transcript. Start/End offsets are
	// relative to the beginning of the submitted audio.
	Segments []types.Segment

	// Language is the detected (or requested) language code.
	Language string
}

// Text returns the segment texts joined with spaces.
func (r *Result) Text() string {
	var out string
	for i, seg := range r.Segments {
		if i > 0 {
			out += " "
		}
		out += seg.Text
	}
	return out
}

// Provider is the abstraction over any batch STT backend.
//
// Close releases backend resources (loaded models, idle connections).
// Implementations must be safe for concurrent use; multiple Transcribe
// calls may run simultaneously (e.g., one per recorded track).
type Provider interface {
	// Transcribe runs speech recognition over the full request audio and
	// returns the timestamped transcript. Cancelling ctx aborts the call.
	Transcribe(ctx context.Context, req Request) (*Result, error)

	// Backend returns the short backend identifier ("native", "server",
	// "openai", "groq") used in logs and session metadata.
	Backend() string

	// Close releases all resources held by the provider.
	Close() error
}
