package backend

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultOpenAIVoice = "alloy"
	minOpenAISpeed     = 0.25
	maxOpenAISpeed     = 4.0
)

// OpenAI voices chunks through the hosted speech endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
	format string
	limit  int
}

// NewOpenAI returns a disabled backend when no API key is configured.
func NewOpenAI(cfg config.OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{model: cfg.Model, format: cfg.ResponseFormat, limit: cfg.CharLimit}
	if cfg.APIKey == "" {
		return o
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	client := openai.NewClient(opts...)
	o.client = &client
	return o
}

func (o *OpenAI) Kind() speech.BackendKind { return speech.KindOpenAI }

func (o *OpenAI) Traits() Traits { return Traits{Limit: o.limit} }

func (o *OpenAI) SynthesizeChunk(ctx context.Context, req ChunkRequest) ([]byte, error) {
	if o.client == nil {
		return nil, speech.ErrBackendDisabled
	}
	params := openai.AudioSpeechNewParams{
		Model:          o.model,
		Input:          req.Text,
		Voice:          openai.AudioSpeechNewParamsVoice(req.Voice),
		Speed:          openai.Float(float64(clampSpeed(req.SpeakingRate))),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat(o.format),
	}
	if req.Instruction != "" {
		params.Instructions = openai.String(req.Instruction)
	}
	if req.Model != "" {
		params.Model = req.Model
	}
	if params.Voice == "" {
		params.Voice = defaultOpenAIVoice
	}

	resp, err := o.client.Audio.Speech.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &HTTPStatusError{Code: apiErr.StatusCode, Body: apiErr.Message}
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func clampSpeed(rate float32) float32 {
	switch {
	case rate <= 0:
		return 1
	case rate < minOpenAISpeed:
		return minOpenAISpeed
	case rate > maxOpenAISpeed:
		return maxOpenAISpeed
	}
	return rate
}
