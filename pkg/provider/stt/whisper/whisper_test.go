package whisper_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/lorekeep/lorekeep/pkg/audio"
	"github.com/lorekeep/lorekeep/pkg/provider/stt"
	"github.com/lorekeep/lorekeep/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// verboseSegment mirrors one entry of the verbose_json segment list.
type verboseSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogprob float64 `json:"avg_logprob"`
}

// newVerboseServer creates a test server that answers POST /inference with a
// verbose_json body built by the respond func, which receives the 1-based
// request number. It increments *callCount on every matched request.
func newVerboseServer(t *testing.T, callCount *atomic.Int32, respond func(call int) []verboseSegment) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		n := int32(1)
		if callCount != nil {
			n = callCount.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text":     "",
			"segments": respond(int(n)),
		})
	}))
}

// makeSpeech generates a 440 Hz sine wave of n samples at amplitude 0.3,
// whose RMS sits well above the silence threshold used by the splitter.
func makeSpeech(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

// makeSilence generates n zero-valued samples.
func makeSilence(n int) []float32 {
	return make([]float32, n)
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	p, err := whisper.New("http://localhost:8080",
		whisper.WithModel("small"),
		whisper.WithLanguage("de"),
		whisper.WithWindowSeconds(300),
		whisper.WithHTTPClient(http.DefaultClient),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil Provider")
	}
}

func TestBackend_ReturnsServer(t *testing.T) {
	p, _ := whisper.New("http://localhost:8080")
	if got := p.Backend(); got != "server" {
		t.Errorf("Backend() = %q; want %q", got, "server")
	}
}

// ---- request validation -----------------------------------------------------

func TestTranscribe_NoSamples_ReturnsErrNoAudio(t *testing.T) {
	p, _ := whisper.New("http://localhost:8080")
	_, err := p.Transcribe(context.Background(), stt.Request{SampleRate: 16000})
	if err == nil {
		t.Fatal("expected error for empty samples, got nil")
	}
}

func TestTranscribe_InvalidSampleRate_ReturnsError(t *testing.T) {
	p, _ := whisper.New("http://localhost:8080")
	_, err := p.Transcribe(context.Background(), stt.Request{Samples: makeSpeech(160)})
	if err == nil {
		t.Fatal("expected error for zero sample rate, got nil")
	}
}

// ---- response parsing -------------------------------------------------------

func TestTranscribe_ParsesVerboseSegments(t *testing.T) {
	srv := newVerboseServer(t, nil, func(int) []verboseSegment {
		return []verboseSegment{
			{Start: 0.0, End: 2.5, Text: " The party enters the cave.", AvgLogprob: math.Log(0.9)},
			{Start: 2.5, End: 4.0, Text: " Roll initiative!", AvgLogprob: math.Log(0.8)},
		}
	})
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	res, err := p.Transcribe(context.Background(), stt.Request{Samples: makeSpeech(16000), SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(res.Segments))
	}

	first := res.Segments[0]
	if first.Text != "The party enters the cave." {
		t.Errorf("segment text = %q; want trimmed text", first.Text)
	}
	if first.Start != 0.0 || first.End != 2.5 {
		t.Errorf("segment offsets = [%v, %v]; want [0, 2.5]", first.Start, first.End)
	}
	if math.Abs(first.Confidence-0.9) > 1e-6 {
		t.Errorf("confidence = %v; want ~0.9 from avg_logprob", first.Confidence)
	}
	for i, seg := range res.Segments {
		if seg.ID != i {
			t.Errorf("segment %d has ID %d; IDs must be sequential", i, seg.ID)
		}
	}
}

func TestTranscribe_PlainTextFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "  a single blob of text  "})
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	res, err := p.Transcribe(context.Background(), stt.Request{Samples: makeSpeech(16000), SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Segments) != 1 {
		t.Fatalf("got %d segments, want 1 fallback segment", len(res.Segments))
	}
	if res.Segments[0].Text != "a single blob of text" {
		t.Errorf("fallback text = %q; want trimmed server text", res.Segments[0].Text)
	}
}

func TestTranscribe_EmptyResponse_NoSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": ""})
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	res, err := p.Transcribe(context.Background(), stt.Request{Samples: makeSpeech(16000), SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Segments) != 0 {
		t.Errorf("got %d segments for empty response, want 0", len(res.Segments))
	}
}

// ---- window splitting -------------------------------------------------------

func TestTranscribe_LongAudio_SplitsAndRebasesOffsets(t *testing.T) {
	// 2.5 s of audio with a silent stretch from 0.8 s to 1.2 s so the
	// splitter has a quiet cut point inside its search range.
	samples := makeSpeech(12800)                       // 0.0 – 0.8 s
	samples = append(samples, makeSilence(6400)...)    // 0.8 – 1.2 s
	samples = append(samples, makeSpeech(20800)...)    // 1.2 – 2.5 s
	clip := audio.Clip{Samples: samples, SampleRate: 16000}

	windows := audio.SplitAtSilence(clip, 1.0)
	if len(windows) < 2 {
		t.Fatalf("expected the clip to split into at least 2 windows, got %d", len(windows))
	}

	var calls atomic.Int32
	srv := newVerboseServer(t, &calls, func(int) []verboseSegment {
		return []verboseSegment{{Start: 0.0, End: 0.1, Text: "chunk", AvgLogprob: math.Log(0.9)}}
	})
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithWindowSeconds(1.0))
	res, err := p.Transcribe(context.Background(), stt.Request{Samples: samples, SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if int(calls.Load()) != len(windows) {
		t.Errorf("server received %d requests; want one per window (%d)", calls.Load(), len(windows))
	}
	if len(res.Segments) != len(windows) {
		t.Fatalf("got %d segments, want %d", len(res.Segments), len(windows))
	}
	for i, seg := range res.Segments {
		want := windows[i].Offset(16000)
		if math.Abs(seg.Start-want) > 1e-9 {
			t.Errorf("segment %d start = %v; want window offset %v", i, seg.Start, want)
		}
		if seg.ID != i {
			t.Errorf("segment %d has ID %d after stitching", i, seg.ID)
		}
	}
}

// ---- request fields ---------------------------------------------------------

func TestTranscribe_SendsLanguageAndPrompt(t *testing.T) {
	var gotLanguage, gotPrompt, gotFormat string
	var gotFile bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotLanguage = r.FormValue("language")
		gotPrompt = r.FormValue("prompt")
		gotFormat = r.FormValue("response_format")
		_, _, err := r.FormFile("file")
		gotFile = err == nil
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "ok"})
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), stt.Request{
		Samples:    makeSpeech(16000),
		SampleRate: 16000,
		Language:   "de",
		Prompt:     "Eldrinax, Thalia, Waterdeep",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotLanguage != "de" {
		t.Errorf("language field = %q; want %q", gotLanguage, "de")
	}
	if gotPrompt != "Eldrinax, Thalia, Waterdeep" {
		t.Errorf("prompt field = %q; want request prompt", gotPrompt)
	}
	if gotFormat != "verbose_json" {
		t.Errorf("response_format = %q; want verbose_json", gotFormat)
	}
	if !gotFile {
		t.Error("request did not carry a file form field")
	}
}

// ---- error handling ---------------------------------------------------------

func TestTranscribe_ServerError_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), stt.Request{Samples: makeSpeech(16000), SampleRate: 16000})
	if err == nil {
		t.Fatal("expected error for 500 response, got nil")
	}
}

func TestTranscribe_CancelledContext_ReturnsError(t *testing.T) {
	srv := newVerboseServer(t, nil, func(int) []verboseSegment { return nil })
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(ctx, stt.Request{Samples: makeSpeech(16000), SampleRate: 16000})
	if err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}

// ---- result helpers ---------------------------------------------------------

func TestResult_Text_JoinsSegments(t *testing.T) {
	srv := newVerboseServer(t, nil, func(int) []verboseSegment {
		return []verboseSegment{
			{Start: 0, End: 1, Text: "one"},
			{Start: 1, End: 2, Text: "two"},
		}
	})
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	res, err := p.Transcribe(context.Background(), stt.Request{Samples: makeSpeech(16000), SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := res.Text(); got != "one two" {
		t.Errorf("Text() = %q; want %q", got, "one two")
	}
}
