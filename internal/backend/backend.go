// Package backend adapts each synthesis service to a single per-chunk
// contract so the pipeline never needs to know which service it talks to.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ChunkRequest is everything a backend needs to voice one chunk.
type ChunkRequest struct {
	Text         string
	Voice        string
	SpeakingRate float32
	Instruction  string
	Language     string
	TranslateTo  string
	Model        string
}

// Traits describe how the pipeline should treat a backend.
type Traits struct {
	// Limit is the per-chunk character budget; zero means unlimited.
	Limit int
	// RawPCM backends get a silence pad between chunks.
	RawPCM bool
	// DetectLanguage asks the pipeline to fill ChunkRequest.Language.
	DetectLanguage bool
}

type Backend interface {
	Kind() speech.BackendKind
	Traits() Traits
	SynthesizeChunk(ctx context.Context, req ChunkRequest) ([]byte, error)
}

// HTTPStatusError is a non-success response from a backend service.
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// successful reports whether code is a 2xx status.
func successful(code int) bool { return code >= 200 && code <= 299 }

// StatusOf extracts the HTTP status carried by err, or zero.
func StatusOf(err error) int {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// Dispatcher routes requests to the backend registered for their kind.
type Dispatcher struct {
	mu       sync.RWMutex
	backends map[speech.BackendKind]Backend
	log      *slog.Logger
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		backends: make(map[speech.BackendKind]Backend),
		log:      log.With(slog.String("component", "backend-dispatcher")),
	}
}

// Register installs b for its kind, replacing any previous registration.
func (d *Dispatcher) Register(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends[b.Kind()] = b
	d.log.Debug("backend registered", slog.String("kind", string(b.Kind())))
}

// Backend returns the backend for kind. Kinds that are valid but have no
// registration report ErrBackendDisabled.
func (d *Dispatcher) Backend(kind speech.BackendKind) (Backend, error) {
	if _, err := speech.ParseKind(string(kind)); err != nil {
		return nil, err
	}
	d.mu.RLock()
	b, ok := d.backends[kind]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, speech.ErrBackendDisabled)
	}
	return b, nil
}

// Kinds lists registered kinds in sorted order.
func (d *Dispatcher) Kinds() []speech.BackendKind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kinds := make([]speech.BackendKind, 0, len(d.backends))
	for k := range d.backends {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// NewLimiter builds a token bucket for perSecond requests. Zero disables it.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Instrument wraps b with an optional rate limiter and a tracing span per chunk.
func Instrument(b Backend, limiter *rate.Limiter) Backend {
	return &instrumented{
		Backend: b,
		limiter: limiter,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-voice/backend"),
	}
}

type instrumented struct {
	Backend
	limiter *rate.Limiter
	tracer  trace.Tracer
}

func (i *instrumented) SynthesizeChunk(ctx context.Context, req ChunkRequest) ([]byte, error) {
	ctx, span := i.tracer.Start(ctx, "backend.synthesize_chunk", trace.WithAttributes(
		attribute.String("tts.kind", string(i.Kind())),
		attribute.String("tts.voice", req.Voice),
		attribute.Int("tts.chars", len([]rune(req.Text))),
	))
	defer span.End()

	if i.limiter != nil {
		if err := i.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limit wait")
			return nil, err
		}
	}
	audio, err := i.Backend.SynthesizeChunk(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("tts.bytes", len(audio)))
	return audio, nil
}
