package pyannote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lorekeep/lorekeep/pkg/provider/diar"
	"github.com/lorekeep/lorekeep/pkg/provider/diar/pyannote"
)

// newDiarizeServer answers POST /diarize with the given segment list.
func newDiarizeServer(t *testing.T, segments []map[string]any, inspect func(r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/diarize" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if inspect != nil {
			inspect(r)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"segments": segments})
	}))
}

func makeSamples(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.1
	}
	return out
}

func TestNew_EmptyServiceURL_ReturnsError(t *testing.T) {
	_, err := pyannote.New("", "hf_token")
	if err == nil {
		t.Fatal("expected error for empty serviceURL, got nil")
	}
}

func TestBackend_ReturnsPyannote(t *testing.T) {
	p, _ := pyannote.New("http://localhost:9090", "")
	if got := p.Backend(); got != "pyannote" {
		t.Errorf("Backend() = %q; want %q", got, "pyannote")
	}
}

func TestDiarize_NoSamples_ReturnsError(t *testing.T) {
	p, _ := pyannote.New("http://localhost:9090", "")
	_, err := p.Diarize(context.Background(), diar.Request{SampleRate: 16000})
	if err == nil {
		t.Fatal("expected error for empty samples, got nil")
	}
}

func TestDiarize_ParsesAndSortsTurns(t *testing.T) {
	srv := newDiarizeServer(t, []map[string]any{
		{"start": 14.2, "end": 31.0, "speaker": "SPEAKER_01"},
		{"start": 0.0, "end": 12.4, "speaker": "SPEAKER_00"},
	}, nil)
	defer srv.Close()

	p, _ := pyannote.New(srv.URL, "hf_test")
	turns, err := p.Diarize(context.Background(), diar.Request{Samples: makeSamples(16000), SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Speaker != "SPEAKER_00" || turns[1].Speaker != "SPEAKER_01" {
		t.Errorf("turns not sorted by start: %+v", turns)
	}
	if turns[0].Start != 0.0 || turns[0].End != 12.4 {
		t.Errorf("first turn = [%v, %v]; want [0, 12.4]", turns[0].Start, turns[0].End)
	}
}

func TestDiarize_SendsBearerTokenAndSpeakerHint(t *testing.T) {
	var gotAuth, gotHint string
	srv := newDiarizeServer(t, nil, func(r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(32 << 20); err == nil {
			gotHint = r.FormValue("num_speakers")
		}
	})
	defer srv.Close()

	p, _ := pyannote.New(srv.URL, "hf_test")
	_, err := p.Diarize(context.Background(), diar.Request{
		Samples:     makeSamples(16000),
		SampleRate:  16000,
		NumSpeakers: 5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAuth != "Bearer hf_test" {
		t.Errorf("Authorization = %q; want bearer HF token", gotAuth)
	}
	if gotHint != "5" {
		t.Errorf("num_speakers = %q; want %q", gotHint, "5")
	}
}

func TestDiarize_NoToken_OmitsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := newDiarizeServer(t, nil, func(r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	})
	defer srv.Close()

	p, _ := pyannote.New(srv.URL, "")
	_, err := p.Diarize(context.Background(), diar.Request{Samples: makeSamples(16000), SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "" {
		t.Errorf("Authorization = %q; want no header without a token", gotAuth)
	}
}

func TestDiarize_DropsMalformedTurns(t *testing.T) {
	srv := newDiarizeServer(t, []map[string]any{
		{"start": 5.0, "end": 2.0, "speaker": "SPEAKER_00"}, // end before start
		{"start": 0.0, "end": 4.0, "speaker": ""},           // missing label
		{"start": 6.0, "end": 9.5, "speaker": "SPEAKER_01"},
	}, nil)
	defer srv.Close()

	p, _ := pyannote.New(srv.URL, "")
	turns, err := p.Diarize(context.Background(), diar.Request{Samples: makeSamples(16000), SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1 after dropping malformed entries", len(turns))
	}
	if turns[0].Speaker != "SPEAKER_01" {
		t.Errorf("kept turn speaker = %q; want SPEAKER_01", turns[0].Speaker)
	}
}

func TestDiarize_ServiceError_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "pipeline not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := pyannote.New(srv.URL, "")
	_, err := p.Diarize(context.Background(), diar.Request{Samples: makeSamples(16000), SampleRate: 16000})
	if err == nil {
		t.Fatal("expected error for 503 response, got nil")
	}
}

func TestDiarize_CancelledContext_ReturnsError(t *testing.T) {
	srv := newDiarizeServer(t, nil, nil)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, _ := pyannote.New(srv.URL, "")
	_, err := p.Diarize(ctx, diar.Request{Samples: makeSamples(16000), SampleRate: 16000})
	if err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}
