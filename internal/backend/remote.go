package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/speech"
)

// maxErrorBody caps how much of a failed response is kept for the error.
const maxErrorBody = 512

// Remote talks to the shared TTS service that fronts gTTS, Polly, eSpeak and
// Google Cloud. The service accepts whole messages, so there is no chunk limit.
type Remote struct {
	kind      speech.BackendKind
	baseURL   string
	authKey   string
	maxLength int
	client    *http.Client
}

func NewRemote(kind speech.BackendKind, cfg config.RemoteConfig, client *http.Client) (*Remote, error) {
	if !kind.Remote() {
		return nil, fmt.Errorf("%s is not served by the remote tts service", kind)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{
		kind:      kind,
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		authKey:   cfg.AuthKey,
		maxLength: cfg.MaxLength,
		client:    client,
	}, nil
}

func (r *Remote) Kind() speech.BackendKind { return r.kind }

func (r *Remote) Traits() Traits { return Traits{} }

func (r *Remote) SynthesizeChunk(ctx context.Context, req ChunkRequest) ([]byte, error) {
	if r.baseURL == "" {
		return nil, speech.ErrBackendDisabled
	}
	q := url.Values{}
	q.Set("text", req.Text)
	q.Set("mode", string(r.kind))
	q.Set("voice", req.Voice)
	q.Set("speaking_rate", formatRate(req.SpeakingRate))
	q.Set("max_length", strconv.Itoa(r.maxLength))
	if req.TranslateTo != "" {
		q.Set("lang", req.TranslateTo)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/tts?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return r.do(httpReq)
}

func (r *Remote) do(req *http.Request) ([]byte, error) {
	if r.authKey != "" {
		req.Header.Set("Authorization", r.authKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if !successful(resp.StatusCode) {
		return nil, statusError(resp)
	}
	return io.ReadAll(resp.Body)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func formatRate(rate float32) string {
	if rate <= 0 {
		rate = 1
	}
	return strconv.FormatFloat(float64(rate), 'f', -1, 32)
}
