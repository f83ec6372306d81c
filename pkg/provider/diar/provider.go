// Package diar defines the Provider interface for speaker diarization
// backends.
//
// A diarization provider answers "who spoke when": given a recording it
// returns labelled time spans ("SPEAKER_00" from 12.4s to 31.0s). The labels
// are anonymous and stable only within a single recording; mapping them to
// campaign player names happens downstream against the speaker profile
// store.
//
// Implementations must be safe for concurrent use.
package diar

import (
	"context"
	"errors"
	"fmt"

	"github.com/lorekeep/lorekeep/pkg/types"
)

// ErrNoAudio is returned when a diarization request carries no samples.
var ErrNoAudio = errors.New("diar: request contains no audio samples")

// Request describes one diarization call.
type Request struct {
	// Samples is the mono PCM audio normalised to [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// NumSpeakers hints the expected speaker count (e.g., party size plus
	// the game master). Zero lets the backend estimate it.
	NumSpeakers int
}

// Validate reports whether the request is well-formed.
func (r Request) Validate() error {
	if len(r.Samples) == 0 {
		return ErrNoAudio
	}
	if r.SampleRate <= 0 {
		return fmt.Errorf("diar: invalid sample rate %d", r.SampleRate)
	}
	return nil
}

// Provider is the abstraction over any speaker diarization backend.
type Provider interface {
	// Diarize segments the recording into speaker turns ordered by start
	// time. Cancelling ctx aborts the call.
	Diarize(ctx context.Context, req Request) ([]types.SpeakerTurn, error)

	// Backend returns the short backend identifier used in logs and
	// session metadata.
	Backend() string

	// Close releases all resources held by the provider.
	Close() error
}
