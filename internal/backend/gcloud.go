package backend

import (
	"context"
	"fmt"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"google.golang.org/api/option"
)

// googleInputLimit keeps requests under the API's 5000 byte input cap for
// mostly-ASCII text.
const googleInputLimit = 4000

// GCloud calls Google Cloud Text-to-Speech directly instead of going through
// the remote service. It registers under the gcloud kind.
type GCloud struct {
	client *texttospeech.Client
}

func NewGCloud(ctx context.Context, cfg config.GCloudConfig) (*GCloud, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create google tts client: %w", err)
	}
	return &GCloud{client: client}, nil
}

func (g *GCloud) Kind() speech.BackendKind { return speech.KindGCloud }

func (g *GCloud) Traits() Traits { return Traits{Limit: googleInputLimit} }

func (g *GCloud) SynthesizeChunk(ctx context.Context, req ChunkRequest) ([]byte, error) {
	lang, name, err := ParseGoogleVoice(req.Voice)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: req.Text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: lang,
			Name:         name,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_OGG_OPUS,
			SpeakingRate:  float64(clampSpeed(req.SpeakingRate)),
		},
	})
	if err != nil {
		return nil, err
	}
	return resp.GetAudioContent(), nil
}

func (g *GCloud) Close() error { return g.client.Close() }
