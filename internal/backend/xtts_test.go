package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/loqalabs/loqa-voice/internal/voiceclips"
)

type fakeXTTS struct {
	clones   atomic.Int32
	lastTTS  xttsRequest
	clipBody []byte
	format   string
	// status, when set, replaces 200 on every success response.
	status int
}

func (f *fakeXTTS) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/clone_speaker", func(w http.ResponseWriter, r *http.Request) {
		f.clones.Add(1)
		file, hdr, err := r.FormFile("wav_file")
		if err != nil {
			t.Errorf("missing wav_file: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		defer file.Close()
		if hdr.Filename != "speaker.wav" || hdr.Header.Get("Content-Type") != "audio/wav" {
			t.Errorf("unexpected part header %+v", hdr.Header)
		}
		f.clipBody, _ = io.ReadAll(file)
		if f.status != 0 {
			w.WriteHeader(f.status)
		}
		_ = json.NewEncoder(w).Encode(speakerLatents{
			SpeakerEmbedding: []float32{0.1, 0.2},
			GPTCondLatent:    [][]float32{{1, 2}, {3, 4}},
		})
	})
	mux.HandleFunc("/tts", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&f.lastTTS); err != nil {
			t.Errorf("decode tts body: %v", err)
		}
		pcm := []byte{1, 2, 3, 4}
		if f.status != 0 {
			w.WriteHeader(f.status)
		}
		if f.format == XTTSFormatRaw {
			_, _ = w.Write(pcm)
			return
		}
		_ = json.NewEncoder(w).Encode(base64.StdEncoding.EncodeToString(pcm))
	})
	return mux
}

func clipIndex(t *testing.T) (*voiceclips.Index, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "alice")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "en.wav")
	if err := os.WriteFile(path, []byte("RIFF-clip"), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	idx, err := voiceclips.Build(root, voiceclips.Options{})
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	return idx, path
}

func TestXTTSClonesOnceAndSynthesizes(t *testing.T) {
	for _, format := range []string{XTTSFormatJSONBase64, XTTSFormatRaw} {
		t.Run(format, func(t *testing.T) {
			fake := &fakeXTTS{format: format}
			srv := httptest.NewServer(fake.handler(t))
			defer srv.Close()
			idx, _ := clipIndex(t)

			x, err := NewXTTS(config.XTTSConfig{URL: srv.URL, ResponseFormat: format, EmbeddingCacheSize: 4, CharLimit: 250}, idx, srv.Client(), slog.New(slog.DiscardHandler))
			if err != nil {
				t.Fatalf("new xtts: %v", err)
			}
			for i := 0; i < 3; i++ {
				audio, err := x.SynthesizeChunk(context.Background(), ChunkRequest{Text: "hola", Voice: "alice", Language: "es"})
				if err != nil {
					t.Fatalf("synthesize: %v", err)
				}
				if len(audio) != 4 || audio[0] != 1 {
					t.Fatalf("unexpected audio %v", audio)
				}
			}
			if n := fake.clones.Load(); n != 1 {
				t.Fatalf("expected one clone call, got %d", n)
			}
			if string(fake.clipBody) != "RIFF-clip" {
				t.Fatalf("clip not uploaded: %q", fake.clipBody)
			}
			if fake.lastTTS.Language != "es" || fake.lastTTS.Text != "hola" || len(fake.lastTTS.GPTCondLatent) != 2 {
				t.Fatalf("unexpected tts request %+v", fake.lastTTS)
			}
		})
	}
}

func TestXTTSWithoutCacheClonesEveryTime(t *testing.T) {
	fake := &fakeXTTS{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()
	idx, _ := clipIndex(t)
	x, _ := NewXTTS(config.XTTSConfig{URL: srv.URL}, idx, srv.Client(), slog.New(slog.DiscardHandler))
	for i := 0; i < 2; i++ {
		if _, err := x.SynthesizeChunk(context.Background(), ChunkRequest{Text: "hi", Voice: "alice"}); err != nil {
			t.Fatalf("synthesize: %v", err)
		}
	}
	if n := fake.clones.Load(); n != 2 {
		t.Fatalf("expected two clone calls, got %d", n)
	}
	if fake.lastTTS.Language != "en" {
		t.Fatalf("empty language should default to en, got %q", fake.lastTTS.Language)
	}
}

func TestXTTSNoClip(t *testing.T) {
	idx, _ := voiceclips.Build(t.TempDir(), voiceclips.Options{})
	x, _ := NewXTTS(config.XTTSConfig{URL: "http://127.0.0.1:1"}, idx, nil, slog.New(slog.DiscardHandler))
	_, err := x.SynthesizeChunk(context.Background(), ChunkRequest{Text: "hi", Voice: "ghost"})
	if !errors.Is(err, speech.ErrNoClip) || !speech.IsSkip(err) {
		t.Fatalf("expected no clip skip, got %v", err)
	}
}

func TestXTTSDisabled(t *testing.T) {
	idx, _ := clipIndex(t)
	x, _ := NewXTTS(config.XTTSConfig{}, idx, nil, slog.New(slog.DiscardHandler))
	if _, err := x.SynthesizeChunk(context.Background(), ChunkRequest{Text: "hi"}); !errors.Is(err, speech.ErrBackendDisabled) {
		t.Fatalf("expected disabled, got %v", err)
	}
	if tr := x.Traits(); !tr.RawPCM || !tr.DetectLanguage {
		t.Fatalf("unexpected traits %+v", tr)
	}
}

func TestXTTSCloneFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gpu busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	idx, _ := clipIndex(t)
	x, _ := NewXTTS(config.XTTSConfig{URL: srv.URL, EmbeddingCacheSize: 2}, idx, srv.Client(), slog.New(slog.DiscardHandler))
	_, err := x.SynthesizeChunk(context.Background(), ChunkRequest{Text: "hi", Voice: "alice"})
	if StatusOf(err) != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
}

func TestXTTSAcceptsCreatedStatus(t *testing.T) {
	fake := &fakeXTTS{format: XTTSFormatJSONBase64, status: http.StatusCreated}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()
	idx, _ := clipIndex(t)

	x, err := NewXTTS(config.XTTSConfig{URL: srv.URL, ResponseFormat: XTTSFormatJSONBase64, EmbeddingCacheSize: 4, CharLimit: 250}, idx, srv.Client(), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new xtts: %v", err)
	}
	audio, err := x.SynthesizeChunk(context.Background(), ChunkRequest{Text: "hi", Voice: "alice", Language: "en"})
	if err != nil || len(audio) != 4 {
		t.Fatalf("audio %v err %v", audio, err)
	}
}
