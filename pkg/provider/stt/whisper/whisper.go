// Package whisper provides the two local whisper.cpp-backed STT providers.
//
// [Provider] connects to a running whisper-server binary (which exposes a
// REST API at POST /inference) and submits audio as multipart WAV uploads.
// [NativeProvider] links whisper.cpp directly through its CGO bindings and
// runs inference in-process.
//
// Both return timestamped segments. The server provider splits long
// recordings at silence boundaries before upload and re-bases the returned
// segment offsets, so callers can submit multi-hour audio in one call.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	res, err := p.Transcribe(ctx, stt.Request{Samples: clip.Samples, SampleRate: clip.SampleRate})
package whisper

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
	defaultLanguage      = "en"
	defaultWindowSeconds = 600.0

	// defaultHTTPTimeout bounds a single inference upload. Long windows on
	// CPU-only servers can legitimately take minutes.
	defaultHTTPTimeout = 10 * time.Minute
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper-server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code sent to the whisper-server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithWindowSeconds caps the audio duration uploaded per inference request.
// Longer recordings are split at silence boundaries. Defaults to 600 s.
func WithWindowSeconds(s float64) Option {
	return func(p *Provider) {
		if s > 0 {
			p.windowSeconds = s
		}
	}
}

// WithHTTPClient replaces the default HTTP client. Useful for tests and for
// callers that need custom transport settings.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements stt.Provider backed by a local whisper-server
// instance. Multiple Transcribe calls may run concurrently; the server
// queues inferences internally.
type Provider struct {
	serverURL     string
	model         string
	language      string
	windowSeconds float64
	httpClient    *http.Client
}

// New creates a whisper-server provider for the given base URL
// (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:     strings.TrimRight(serverURL, "/"),
		language:      defaultLanguage,
		windowSeconds: defaultWindowSeconds,
		httpClient:    &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Backend returns "server".
func (p *Provider) Backend() string { return "server" }

// Close releases idle connections.
func (p *Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// Transcribe splits the audio into silence-bounded windows no longer than
// the configured maximum, submits each as a multipart WAV upload, and
// stitches the returned segments back together with absolute offsets.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	clip := audio.Clip{Samples: req.Samples, SampleRate: req.SampleRate}
	windows := audio.SplitAtSilence(clip, p.windowSeconds)

	result := &stt.Result{Language: p.requestLanguage(req)}
	for _, w := range windows {
		segs, err := p.inferWindow(ctx, clip, w, req)
		if err != nil {
			return nil, err
		}
		result.Segments = append(result.Segments, segs...)
	}
	for i := range result.Segments {
		result.Segments[i].ID = i
	}
	return result, nil
}

// inferWindow uploads one window and re-bases the returned offsets by the
// window's position in the full recording.
func (p *Provider) inferWindow(ctx context.Context, clip audio.Clip, w audio.Window, req stt.Request) ([]types.Segment, error) {
	wav := audio.EncodeWAV(clip.Samples[w.Start:w.End], clip.SampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	// Primary audio field.
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("whisper: write wav data: %w", err)
	}

	fields := map[string]string{
		"response_format": "verbose_json",
		"language":        p.requestLanguage(req),
	}
	if p.model != "" {
		fields["model"] = p.model
	}
	if req.Prompt != "" {
		fields["prompt"] = req.Prompt
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := p.serverURL + "/inference"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("whisper: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("whisper: decode response: %w", err)
	}

	offset := w.Offset(clip.SampleRate)
	return parsed.segments(offset), nil
}

func (p *Provider) requestLanguage(req stt.Request) string {
	if req.Language != "" {
		return req.Language
	}
	return p.language
}

// verboseResponse matches the verbose_json response format shared by
// whisper-server and the OpenAI-compatible transcription endpoints.
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

// segments converts the response into [types.Segment] values, shifting
// offsets by offset seconds. A response without a segment list (plain-json
// servers) degrades to a single segment holding the full text.
func (r *verboseResponse) segments(offset float64) []types.Segment {
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
		out = append(out, types.Segment{
			Start:      offset + s.Start,
			End:        offset + s.End,
			Text:       text,
			Confidence: logprobToConfidence(s.AvgLogprob),
		})
	}
	return out
}

// logprobToConfidence maps an average token log-probability to a rough
// 0–1 confidence. exp(avg_logprob) is the geometric-mean token probability.
func logprobToConfidence(avgLogprob float64) float64 {
	if avgLogprob >= 0 {
		return 0
	}
	conf := math.Exp(avgLogprob)
	if conf > 1 {
		conf = 1
	}
	return conf
}
