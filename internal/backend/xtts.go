package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/loqalabs/loqa-voice/internal/voiceclips"
)

const (
	XTTSFormatJSONBase64 = "json_base64"
	XTTSFormatRaw        = "raw"
)

// ClipResolver finds the reference sample for a voice and language.
type ClipResolver interface {
	Resolve(voice, lang string) (voiceclips.Clip, bool)
}

// speakerLatents is what the clone endpoint returns for a reference clip.
type speakerLatents struct {
	SpeakerEmbedding []float32   `json:"speaker_embedding"`
	GPTCondLatent    [][]float32 `json:"gpt_cond_latent"`
}

type xttsRequest struct {
	Text             string      `json:"text"`
	SpeakerEmbedding []float32   `json:"speaker_embedding"`
	GPTCondLatent    [][]float32 `json:"gpt_cond_latent"`
	Language         string      `json:"language"`
}

// XTTS clones a voice from a local clip and synthesizes raw PCM in two calls.
// Speaker latents are cached per clip path.
type XTTS struct {
	baseURL string
	format  string
	limit   int
	clips   ClipResolver
	cache   *lru.Cache[string, *speakerLatents]
	client  *http.Client
	log     *slog.Logger
}

func NewXTTS(cfg config.XTTSConfig, clips ClipResolver, client *http.Client, log *slog.Logger) (*XTTS, error) {
	if client == nil {
		client = http.DefaultClient
	}
	x := &XTTS{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		format:  cfg.ResponseFormat,
		limit:   cfg.CharLimit,
		clips:   clips,
		client:  client,
		log:     log.With(slog.String("component", "xtts")),
	}
	if x.format == "" {
		x.format = XTTSFormatJSONBase64
	}
	if cfg.EmbeddingCacheSize > 0 {
		cache, err := lru.New[string, *speakerLatents](cfg.EmbeddingCacheSize)
		if err != nil {
			return nil, fmt.Errorf("xtts embedding cache: %w", err)
		}
		x.cache = cache
	}
	return x, nil
}

func (x *XTTS) Kind() speech.BackendKind { return speech.KindXTTS }

func (x *XTTS) Traits() Traits {
	return Traits{Limit: x.limit, RawPCM: true, DetectLanguage: true}
}

func (x *XTTS) SynthesizeChunk(ctx context.Context, req ChunkRequest) ([]byte, error) {
	if x.baseURL == "" {
		return nil, speech.ErrBackendDisabled
	}
	lang := req.Language
	if lang == "" {
		lang = voiceclips.EnglishLanguage
	}
	clip, ok := x.clips.Resolve(req.Voice, lang)
	if !ok {
		return nil, fmt.Errorf("%w: voice %q", speech.ErrNoClip, req.Voice)
	}
	latents, err := x.latents(ctx, clip.Path)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(xttsRequest{
		Text:             req.Text,
		SpeakerEmbedding: latents.SpeakerEmbedding,
		GPTCondLatent:    latents.GPTCondLatent,
		Language:         lang,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+"/tts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := x.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if !successful(resp.StatusCode) {
		return nil, statusError(resp)
	}
	return x.decodeAudio(resp.Body)
}

func (x *XTTS) decodeAudio(r io.Reader) ([]byte, error) {
	if x.format == XTTSFormatRaw {
		return io.ReadAll(r)
	}
	var encoded string
	if err := json.NewDecoder(r).Decode(&encoded); err != nil {
		return nil, fmt.Errorf("decode xtts response: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode xtts audio: %w", err)
	}
	return audio, nil
}

func (x *XTTS) latents(ctx context.Context, path string) (*speakerLatents, error) {
	if x.cache != nil {
		if l, ok := x.cache.Get(path); ok {
			return l, nil
		}
	}
	l, err := x.clone(ctx, path)
	if err != nil {
		return nil, err
	}
	if x.cache != nil {
		x.cache.Add(path, l)
	}
	x.log.Debug("speaker latents computed", slog.String("clip", path))
	return l, nil
}

func (x *XTTS) clone(ctx context.Context, path string) (*speakerLatents, error) {
	wav, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voice clip: %w", err)
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="wav_file"; filename="speaker.wav"`)
	header.Set("Content-Type", "audio/wav")
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(wav); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+"/clone_speaker", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := x.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if !successful(resp.StatusCode) {
		return nil, statusError(resp)
	}
	var l speakerLatents
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		return nil, fmt.Errorf("decode speaker latents: %w", err)
	}
	return &l, nil
}
