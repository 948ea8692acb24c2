package backend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/speech"
)

func TestRemoteSendsQuery(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	r, err := NewRemote(speech.KindPolly, config.RemoteConfig{URL: srv.URL + "/", AuthKey: "secret", MaxLength: 30}, srv.Client())
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	audio, err := r.SynthesizeChunk(context.Background(), ChunkRequest{
		Text:         "hello there",
		Voice:        "Brian",
		SpeakingRate: 1.5,
		TranslateTo:  "de",
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio) != "mp3-bytes" {
		t.Fatalf("unexpected audio %q", audio)
	}
	if got.URL.Path != "/tts" {
		t.Fatalf("unexpected path %q", got.URL.Path)
	}
	q := got.URL.Query()
	want := map[string]string{
		"text": "hello there", "mode": "polly", "voice": "Brian",
		"speaking_rate": "1.5", "max_length": "30", "lang": "de",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Fatalf("query %s = %q, want %q", k, q.Get(k), v)
		}
	}
	if got.Header.Get("Authorization") != "secret" {
		t.Fatalf("missing auth header")
	}
}

func TestRemoteOmitsLangWithoutTranslation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("lang") {
			t.Errorf("lang should be omitted")
		}
		if r.URL.Query().Get("speaking_rate") != "1" {
			t.Errorf("zero rate should default to 1, got %q", r.URL.Query().Get("speaking_rate"))
		}
	}))
	defer srv.Close()
	r, _ := NewRemote(speech.KindGTTS, config.RemoteConfig{URL: srv.URL}, srv.Client())
	if _, err := r.SynthesizeChunk(context.Background(), ChunkRequest{Text: "hi"}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
}

func TestRemoteStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "voice not found", http.StatusBadRequest)
	}))
	defer srv.Close()
	r, _ := NewRemote(speech.KindESpeak, config.RemoteConfig{URL: srv.URL}, srv.Client())
	_, err := r.SynthesizeChunk(context.Background(), ChunkRequest{Text: "hi"})
	if StatusOf(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 status error, got %v", err)
	}
}

func TestRemoteDisabledWithoutURL(t *testing.T) {
	r, _ := NewRemote(speech.KindGTTS, config.RemoteConfig{}, nil)
	if _, err := r.SynthesizeChunk(context.Background(), ChunkRequest{Text: "hi"}); !errors.Is(err, speech.ErrBackendDisabled) {
		t.Fatalf("expected disabled, got %v", err)
	}
}

func TestNewRemoteRejectsLocalKinds(t *testing.T) {
	if _, err := NewRemote(speech.KindXTTS, config.RemoteConfig{}, nil); err == nil {
		t.Fatal("expected error for xtts")
	}
}

type stubBackend struct {
	kind speech.BackendKind
}

func (s stubBackend) Kind() speech.BackendKind { return s.kind }
func (s stubBackend) Traits() Traits           { return Traits{} }
func (s stubBackend) SynthesizeChunk(context.Context, ChunkRequest) ([]byte, error) {
	return []byte(s.kind), nil
}

func TestDispatcherRouting(t *testing.T) {
	d := NewDispatcher(slog.New(slog.DiscardHandler))
	d.Register(Instrument(stubBackend{kind: speech.KindOpenAI}, NewLimiter(100, 1)))
	d.Register(stubBackend{kind: speech.KindGTTS})

	b, err := d.Backend(speech.KindOpenAI)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	audio, err := b.SynthesizeChunk(context.Background(), ChunkRequest{Text: "x"})
	if err != nil || string(audio) != "openai" {
		t.Fatalf("unexpected result %q %v", audio, err)
	}
	if _, err := d.Backend(speech.KindXTTS); !errors.Is(err, speech.ErrBackendDisabled) {
		t.Fatalf("expected disabled for unregistered kind, got %v", err)
	}
	if _, err := d.Backend("bogus"); !errors.Is(err, speech.ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
	kinds := d.Kinds()
	if len(kinds) != 2 || kinds[0] != speech.KindGTTS || kinds[1] != speech.KindOpenAI {
		t.Fatalf("unexpected kinds %v", kinds)
	}
}

func TestInstrumentHonoursCancelledLimiterWait(t *testing.T) {
	b := Instrument(stubBackend{kind: speech.KindGTTS}, NewLimiter(0.001, 1))
	ctx := context.Background()
	if _, err := b.SynthesizeChunk(ctx, ChunkRequest{}); err != nil {
		t.Fatalf("first call should use the burst: %v", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := b.SynthesizeChunk(ctx, ChunkRequest{}); err == nil {
		t.Fatal("expected limiter wait to fail on cancelled context")
	}
}

func TestNewLimiterDisabled(t *testing.T) {
	if NewLimiter(0, 5) != nil {
		t.Fatal("zero rate should disable limiting")
	}
}

func TestRemoteAcceptsAnySuccessStatus(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusCreated, http.StatusAccepted} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte("audio"))
		}))
		r, _ := NewRemote(speech.KindGTTS, config.RemoteConfig{URL: srv.URL}, srv.Client())
		audio, err := r.SynthesizeChunk(context.Background(), ChunkRequest{Text: "hi"})
		srv.Close()
		if err != nil || string(audio) != "audio" {
			t.Fatalf("status %d: audio %q err %v", code, audio, err)
		}
	}
}

func TestSuccessfulStatusRange(t *testing.T) {
	cases := map[int]bool{199: false, 200: true, 204: true, 299: true, 300: false, 404: false, 502: false}
	for code, want := range cases {
		if got := successful(code); got != want {
			t.Fatalf("successful(%d) = %v, want %v", code, got, want)
		}
	}
}
