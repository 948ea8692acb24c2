package tts

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/loqalabs/loqa-voice/internal/synth"
)

// Synthesizer starts a request's audio stream. *synth.Pipeline satisfies it.
type Synthesizer interface {
	Stream(ctx context.Context, req speech.Request) (*synth.Stream, error)
}

// Sessions hands out the session a request plays into.
type Sessions interface {
	Acquire(id string) (*session.VoiceSession, error)
	Active() int
}

// EventCounter records usage analytics.
type EventCounter interface {
	Log(event string, isCommand bool)
}

type Options struct {
	QueueGroup     string
	RequestTimeout time.Duration
	Normalizer     config.NormalizerConfig
}

// Accepted is a request that made it into a session's playback queue.
type Accepted struct {
	Request speech.Request
	Ticket  *playback.Ticket
	started time.Time
	cancel  context.CancelFunc
}
