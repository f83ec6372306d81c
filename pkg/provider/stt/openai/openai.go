// Package openai provides an stt.Provider backed by any hosted
// OpenAI-compatible transcription endpoint (POST /audio/transcriptions).
//
// The same implementation serves both the OpenAI API and Groq's hosted
// whisper-large-v3, which exposes an identical surface under a different
// base URL:
//
//	p, _ := openai.New(apiKey)                                  // api.openai.com
//	g, _ := openai.New(groqKey,
//	    openai.WithBaseURL("https://api.groq.com/openai/v1"),
//	    openai.WithModel("whisper-large-v3"),
//	    openai.WithBackendName("groq"))
//
// Hosted endpoints cap upload sizes (25 MB), so recordings are split at
// silence boundaries before upload and the returned segment offsets are
// re-based onto the full recording.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/pkg/audio"
	"github.com/lorekeep/lorekeep/pkg/provider/stt"
	"github.com/lorekeep/lorekeep/pkg/types"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "whisper-1"

	// defaultWindowSeconds keeps each upload comfortably under the 25 MB
	// endpoint cap (10 min of 16 kHz mono PCM16 WAV ≈ 19 MB).
	defaultWindowSeconds = 600.0

	defaultHTTPTimeout = 5 * time.Minute
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL replaces the API base URL (default https://api.openai.com/v1).
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithModel sets the transcription model identifier. Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBackendName overrides the identifier reported by Backend. Used to
// distinguish Groq from OpenAI in logs and session metadata.
func WithBackendName(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.backendName = name
		}
	}
}

// WithWindowSeconds caps the audio duration uploaded per request. Defaults
// to 600 s.
func WithWindowSeconds(s float64) Option {
	return func(p *Provider) {
		if s > 0 {
			p.windowSeconds = s
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements stt.Provider over a hosted transcription endpoint.
// Safe for concurrent use.
type Provider struct {
	apiKey        string
	baseURL       string
	model         string
	backendName   string
	windowSeconds float64
	httpClient    *http.Client
}

// New creates a hosted transcription provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:        apiKey,
		baseURL:       defaultBaseURL,
		model:         defaultModel,
		backendName:   "openai",
		windowSeconds: defaultWindowSeconds,
		httpClient:    &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Backend returns the configured backend identifier.
func (p *Provider) Backend() string { return p.backendName }

// Close releases idle connections.
func (p *Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// Transcribe uploads the audio in silence-bounded windows and stitches the
// returned segments together with absolute offsets.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	clip := audio.Clip{Samples: req.Samples, SampleRate: req.SampleRate}
	windows := audio.SplitAtSilence(clip, p.windowSeconds)

	result := &stt.Result{Language: req.Language}
	for _, w := range windows {
		segs, lang, err := p.transcribeWindow(ctx, clip, w, req)
		if err != nil {
			return nil, err
		}
		if result.Language == "" {
			result.Language = lang
		}
		result.Segments = append(result.Segments, segs...)
	}
	for i := range result.Segments {
		result.Segments[i].ID = i
	}
	return result, nil
}

func (p *Provider) transcribeWindow(ctx context.Context, clip audio.Clip, w audio.Window, req stt.Request) ([]types.Segment, string, error) {
	wav := audio.EncodeWAV(clip.Samples[w.Start:w.End], clip.SampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("openai stt: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", fmt.Errorf("openai stt: write wav data: %w", err)
	}

	fields := map[string]string{
		"model":           p.model,
		"response_format": "verbose_json",
		"language":        req.Language,
		"prompt":          req.Prompt,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("openai stt: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("openai stt: close multipart writer: %w", err)
	}

	endpoint := p.baseURL + "/audio/transcriptions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, "", fmt.Errorf("openai stt: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("openai stt: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, "", fmt.Errorf("openai stt: %s returned %d: %s", p.backendName, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, "", fmt.Errorf("openai stt: decode response: %w", err)
	}

	offset := w.Offset(clip.SampleRate)
	return parsed.toSegments(offset), parsed.Language, nil
}

// verboseResponse matches the verbose_json transcription response.
type verboseResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func (r *verboseResponse) toSegments(offset float64) []types.Segment {
	if len(r.Segments) == 0 {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			return nil
		}
		return []types.Segment{{Start: offset, End: offset, Text: text}}
	}

	out := make([]types.Segment, 0, len(r.Segments))
	for _, s := range r.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		conf := 0.0
		if s.AvgLogprob < 0 {
			conf = math.Min(math.Exp(s.AvgLogprob), 1)
		}
		out = append(out, types.Segment{
			Start:      offset + s.Start,
			End:        offset + s.End,
			Text:       text,
			Confidence: conf,
		})
	}
	return out
}
