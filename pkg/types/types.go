// Package types defines the shared types used across all Lorekeep packages.
//
// These types form the lingua franca between audio decoding, transcription
// providers, the processing pipeline, the knowledge layer, and the chat
// engine. They are intentionally minimal — each package defines its own
// domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

// SegmentKind classifies a transcript segment as in-character table speech,
// out-of-character table talk, or not yet classified.
type SegmentKind string

const (
	// KindIC marks dialogue spoken in character.
	KindIC SegmentKind = "ic"

	// KindOOC marks out-of-character table talk (rules, dice, scheduling).
	KindOOC SegmentKind = "ooc"

	// KindUnknown marks segments the classifier has not labelled.
	KindUnknown SegmentKind = "unknown"
)

// IsValid reports whether k is a recognised segment kind.
func (k SegmentKind) IsValid() bool {
	return k == KindIC || k == KindOOC || k == KindUnknown
}

// Segment is a single span of transcribed speech flowing through the
// processing pipeline. Segments are produced by an STT provider, enriched by
// diarization and speaker attribution, corrected, classified, and finally
// written to the session data file.
type Segment struct {
	// ID is the segment's position in the chronological transcript,
	// assigned after merge. Zero-based.
	ID int `json:"id"`

	// Start and End are offsets from the beginning of the recording,
	// in seconds.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Speaker is the diarization label ("SPEAKER_00") or track name.
	// Empty until diarization/attribution has run.
	Speaker string `json:"speaker,omitempty"`

	// Character is the in-world character name resolved from the party
	// roster. Empty when the speaker is unmapped or out of character.
	Character string `json:"character,omitempty"`

	// Text is the (possibly corrected) transcript text.
	Text string `json:"text"`

	// Kind classifies the segment as IC, OOC, or unknown.
	Kind SegmentKind `json:"kind,omitempty"`

	// Confidence is the STT confidence score (0.0–1.0). Zero when the
	// backend does not report one.
	Confidence float64 `json:"confidence,omitempty"`

	// Corrected indicates the text was altered by a correction pass.
	Corrected bool `json:"corrected,omitempty"`
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Word holds per-word detail from STT backends that report it.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence,omitempty"`
}

// SpeakerTurn is a diarization result: a span of audio attributed to one
// speaker label. Turns are aligned to transcript segments by temporal
// overlap during attribution.
type SpeakerTurn struct {
	// Start and End are offsets from the beginning of the recording,
	// in seconds.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Speaker is the diarizer-assigned label ("SPEAKER_00", "SPEAKER_01").
	Speaker string `json:"speaker"`
}

// Source is a retrieval citation attached to an assistant chat message,
// pointing back at the knowledge chunk that grounded the answer.
type Source struct {
	// SessionID is the session the cited chunk came from.
	SessionID string `json:"session_id"`

	// ChunkID identifies the knowledge chunk.
	ChunkID string `json:"chunk_id"`

	// Score is the retrieval relevance (0.0–1.0, higher is better).
	Score float64 `json:"score"`

	// Excerpt is a short quote from the chunk for display.
	Excerpt string `json:"excerpt,omitempty"`
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// Name is an optional participant name (for multi-speaker contexts).
	Name string `json:"name,omitempty"`

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this responds to.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string `json:"id"`

	// Name is the tool/function name.
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments string.
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
