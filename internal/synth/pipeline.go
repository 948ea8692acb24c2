// Package synth turns a normalized request into an ordered stream of audio
// segments, one backend call per chunk.
package synth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/backend"
	"github.com/loqalabs/loqa-voice/internal/chunker"
	"github.com/loqalabs/loqa-voice/internal/langdetect"
	"github.com/loqalabs/loqa-voice/internal/speech"
)

// Resolver hands out the backend for a request's mode.
type Resolver interface {
	Backend(kind speech.BackendKind) (backend.Backend, error)
}

// Options tune a Pipeline.
type Options struct {
	// QueueDepth bounds how many finished segments may wait for the consumer.
	QueueDepth int
	// Silence is inserted before every raw PCM segment after the first.
	Silence []byte
	// Detect overrides language detection, mainly for tests.
	Detect func(text string) string
}

// SilencePad returns seconds of 16-bit mono silence at sampleRate.
func SilencePad(sampleRate int, seconds float64) []byte {
	n := int(float64(sampleRate)*seconds) * 2
	if n <= 0 {
		return nil
	}
	return make([]byte, n)
}

// Pipeline synthesizes requests chunk by chunk through the registered backends.
type Pipeline struct {
	backends Resolver
	opts     Options
	log      *slog.Logger
}

// New builds a pipeline. A zero QueueDepth means one segment of buffering.
func New(backends Resolver, opts Options, log *slog.Logger) *Pipeline {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1
	}
	if opts.Detect == nil {
		opts.Detect = langdetect.Detect
	}
	return &Pipeline{
		backends: backends,
		opts:     opts,
		log:      log.With(slog.String("component", "synth-pipeline")),
	}
}

// Stream starts synthesis of req. Errors that make the whole request
// unserviceable (disabled backend, nothing to say) are returned up front;
// per-chunk failures surface through Stream.Err.
func (p *Pipeline) Stream(ctx context.Context, req speech.Request) (*Stream, error) {
	b, err := p.backends.Backend(req.Mode)
	if err != nil {
		return nil, err
	}
	traits := b.Traits()
	chunks := chunker.Split(req.Text, traits.Limit)
	if len(chunks) == 0 {
		return nil, speech.ErrEmptyText
	}

	base := backend.ChunkRequest{
		Voice:        req.Voice,
		SpeakingRate: req.SpeakingRate,
		Instruction:  req.EffectiveInstruction(),
		TranslateTo:  req.TranslateTo,
		Model:        req.Model,
	}
	if traits.DetectLanguage {
		base.Language = p.opts.Detect(req.Text)
	}

	// ctx bounds each backend call; stop only ends production between chunks.
	stop, cancel := context.WithCancel(ctx)
	s := &Stream{
		segments: make(chan speech.AudioSegment, p.opts.QueueDepth),
		done:     make(chan struct{}),
		cancel:   cancel,
		chunks:   len(chunks),
	}
	go p.produce(ctx, stop, s, b, traits, base, chunks, req.ID)
	return s, nil
}

func (p *Pipeline) produce(ctx, stop context.Context, s *Stream, b backend.Backend, traits backend.Traits, base backend.ChunkRequest, chunks []speech.TextChunk, requestID string) {
	defer close(s.done)
	defer close(s.segments)
	log := p.log.With(slog.String("request_id", requestID), slog.String("kind", string(b.Kind())))

	for _, chunk := range chunks {
		if err := stop.Err(); err != nil {
			s.err = err
			return
		}
		cr := base
		cr.Text = chunk.Text
		started := time.Now()
		audio, err := b.SynthesizeChunk(ctx, cr)
		if err != nil {
			s.err = wrapChunkError(b.Kind(), chunk.Ordinal, err)
			log.Debug("chunk failed", slog.Int("ordinal", int(chunk.Ordinal)), slog.String("error", err.Error()))
			return
		}
		log.Debug("chunk synthesized",
			slog.Int("ordinal", int(chunk.Ordinal)),
			slog.Int("chars", chunk.CharCount),
			slog.Int("bytes", len(audio)),
			slog.Duration("elapsed", time.Since(started)),
		)
		if traits.RawPCM && chunk.Ordinal > 0 && len(p.opts.Silence) > 0 {
			padded := make([]byte, 0, len(p.opts.Silence)+len(audio))
			padded = append(padded, p.opts.Silence...)
			audio = append(padded, audio...)
		}
		if err := stop.Err(); err != nil {
			s.err = err
			return
		}
		select {
		case s.segments <- speech.AudioSegment{Ordinal: chunk.Ordinal, Bytes: audio}:
		case <-stop.Done():
			s.err = stop.Err()
			return
		}
	}
}

// wrapChunkError attaches the chunk ordinal. Skip conditions and
// cancellation pass through untouched so callers can match them directly.
func wrapChunkError(kind speech.BackendKind, ordinal uint32, err error) error {
	if speech.IsSkip(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return &speech.SynthesisError{Kind: kind, Ordinal: ordinal, Status: backend.StatusOf(err), Err: err}
}

// Stream is one request's in-flight synthesis. Segments arrive in ordinal
// order; after the channel closes, Err reports why production stopped early.
type Stream struct {
	segments chan speech.AudioSegment
	done     chan struct{}
	cancel   context.CancelFunc
	chunks   int
	err      error
}

func (s *Stream) Segments() <-chan speech.AudioSegment { return s.segments }

// Chunks is the number of segments a successful stream yields.
func (s *Stream) Chunks() int { return s.chunks }

// Err is valid once Segments is closed.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Close stops production. A chunk already at the backend is left to finish
// and its audio is discarded; no further chunk is requested.
func (s *Stream) Close() {
	s.cancel()
}

// Collect drains s into an ordered slice. Any failure discards the partial
// result.
func Collect(ctx context.Context, s *Stream) ([]speech.AudioSegment, error) {
	asm, err := assemble(ctx, s)
	if err != nil {
		return nil, err
	}
	return asm.Segments(), nil
}

// Concat drains s into one contiguous buffer, segments joined in ordinal
// order.
func Concat(ctx context.Context, s *Stream) ([]byte, error) {
	asm, err := assemble(ctx, s)
	if err != nil {
		return nil, err
	}
	return asm.Bytes(), nil
}

func assemble(ctx context.Context, s *Stream) (*Assembler, error) {
	defer s.Close()
	asm := &Assembler{}
	for {
		select {
		case seg, ok := <-s.Segments():
			if !ok {
				if err := s.Err(); err != nil {
					return nil, err
				}
				return asm, nil
			}
			if err := asm.Add(seg); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
