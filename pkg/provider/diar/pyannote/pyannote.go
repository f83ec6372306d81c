// Package pyannote provides a diar.Provider backed by a pyannote.audio
// service. The service wraps the pyannote speaker-diarization pipeline
// behind a small HTTP API: POST /diarize accepts a multipart WAV upload and
// returns the speaker turns as JSON. Hugging Face gated-model access is
// forwarded as a bearer token.
//
// Usage:
//
//	p, err := pyannote.New("http://localhost:9090", os.Getenv("HF_TOKEN"))
//	turns, err := p.Diarize(ctx, diar.Request{Samples: clip.Samples, SampleRate: clip.SampleRate})
package pyannote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/pkg/audio"
	"github.com/lorekeep/lorekeep/pkg/provider/diar"
	"github.com/lorekeep/lorekeep/pkg/types"
)

// defaultHTTPTimeout bounds a single diarization call. The pipeline runs
// near real-time on GPU but can take several times the audio duration on
// CPU.
const defaultHTTPTimeout = 30 * time.Minute

// Compile-time assertion that Provider implements diar.Provider.
var _ diar.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements diar.Provider over a pyannote HTTP service.
// Safe for concurrent use.
type Provider struct {
	serviceURL string
	token      string
	httpClient *http.Client
}

// New creates a pyannote provider for the given service base URL. token is
// the Hugging Face access token forwarded for gated pipeline downloads; it
// may be empty when the service holds its own credentials.
func New(serviceURL string, token string, opts ...Option) (*Provider, error) {
	if serviceURL == "" {
		return nil, errors.New("pyannote: serviceURL must not be empty")
	}
	p := &Provider{
		serviceURL: strings.TrimRight(serviceURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Backend returns "pyannote".
func (p *Provider) Backend() string { return "pyannote" }

// Close releases idle connections.
func (p *Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// Diarize uploads the recording as a WAV file and returns the speaker turns
// sorted by start time.
func (p *Provider) Diarize(ctx context.Context, req diar.Request) ([]types.SpeakerTurn, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	wav := audio.EncodeWAV(req.Samples, req.SampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("pyannote: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("pyannote: write wav data: %w", err)
	}
	if req.NumSpeakers > 0 {
		if err := mw.WriteField("num_speakers", strconv.Itoa(req.NumSpeakers)); err != nil {
			return nil, fmt.Errorf("pyannote: write num_speakers field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("pyannote: close multipart writer: %w", err)
	}

	endpoint := p.serviceURL + "/diarize"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("pyannote: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("pyannote: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("pyannote: service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed diarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("pyannote: decode response: %w", err)
	}

	turns := make([]types.SpeakerTurn, 0, len(parsed.Segments))
	for _, s := range parsed.Segments {
		if s.End <= s.Start || s.Speaker == "" {
			continue
		}
		turns = append(turns, types.SpeakerTurn{
			Start:   s.Start,
			End:     s.End,
			Speaker: s.Speaker,
		})
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].Start < turns[j].Start })
	return turns, nil
}

// diarizeResponse matches the JSON body returned by the pyannote service.
type diarizeResponse struct {
	Segments []struct {
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
		Speaker string  `json:"speaker"`
	} `json:"segments"`
}
