package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-voice/internal/backend"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/loqalabs/loqa-voice/internal/voiceclips"
)

func httpClient(timeoutMS int) *http.Client {
	return &http.Client{Timeout: time.Duration(timeoutMS) * time.Millisecond}
}

// NewDispatcher registers every backend kind according to cfg. The returned
// closer releases clients that hold connections.
func NewDispatcher(ctx context.Context, cfg config.Config, clips backend.ClipResolver, logger *slog.Logger) (*backend.Dispatcher, func() error, error) {
	d := backend.NewDispatcher(logger)
	var closers []func() error

	remoteClient := httpClient(cfg.Remote.TimeoutMS)
	remoteLimiter := backend.NewLimiter(cfg.Remote.RatePerSecond, cfg.Remote.Burst)
	for _, kind := range speech.Kinds {
		if !kind.Remote() {
			continue
		}
		if kind == speech.KindGCloud && cfg.GCloud.Direct {
			g, err := backend.NewGCloud(ctx, cfg.GCloud)
			if err != nil {
				return nil, nil, err
			}
			closers = append(closers, g.Close)
			d.Register(backend.Instrument(g, remoteLimiter))
			continue
		}
		r, err := backend.NewRemote(kind, cfg.Remote, remoteClient)
		if err != nil {
			return nil, nil, err
		}
		d.Register(backend.Instrument(r, remoteLimiter))
	}

	openai := backend.NewOpenAI(cfg.OpenAI, httpClient(cfg.OpenAI.TimeoutMS))
	d.Register(backend.Instrument(openai, backend.NewLimiter(cfg.OpenAI.RatePerSecond, cfg.OpenAI.Burst)))

	xtts, err := backend.NewXTTS(cfg.XTTS, clips, httpClient(cfg.XTTS.TimeoutMS), logger)
	if err != nil {
		return nil, nil, err
	}
	d.Register(backend.Instrument(xtts, backend.NewLimiter(cfg.XTTS.RatePerSecond, cfg.XTTS.Burst)))

	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	return d, closeAll, nil
}

// LoadClips builds the clip index. A missing root is logged, not fatal.
func LoadClips(cfg config.VoiceClipsConfig, logger *slog.Logger) *voiceclips.Index {
	idx, err := voiceclips.Build(cfg.Root, voiceclips.Options{
		Extensions:  cfg.Extensions,
		ValidateWAV: cfg.ValidateWAV,
		Logger:      logger,
	})
	if err != nil {
		logger.Warn("voice clips unavailable, cloning falls back to the default voice", slog.String("error", err.Error()))
	}
	return idx
}
