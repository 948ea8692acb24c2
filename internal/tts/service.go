package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/normalize"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Publisher is the part of the bus the service writes to.
type Publisher interface {
	Publish(subject string, data []byte) error
	QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Service turns bus and HTTP speech requests into played audio.
type Service struct {
	opts      Options
	bus       Publisher
	synth     Synthesizer
	sessions  Sessions
	analytics EventCounter
	metrics   *metrics
	tracer    trace.Tracer
	clock     func() time.Time

	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, opts Options, busClient Publisher, synth Synthesizer, sessions Sessions, analytics EventCounter, log *slog.Logger) (*Service, error) {
	m, err := newMetrics(sessions.Active)
	if err != nil {
		return nil, fmt.Errorf("register tts metrics: %w", err)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 45 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		opts:      opts,
		bus:       busClient,
		synth:     synth,
		sessions:  sessions,
		analytics: analytics,
		metrics:   m,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-voice/tts"),
		clock:     time.Now,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With(slog.String("component", "tts-service")),
	}, nil
}

func (s *Service) Start() error {
	sub, err := s.bus.QueueSubscribe(protocol.SubjectSpeechRequest, s.opts.QueueGroup, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for speech requests", slog.String("subject", protocol.SubjectSpeechRequest), slog.String("queue", s.opts.QueueGroup))
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeechRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speech request", slogError(err))
		return
	}
	if err := s.Submit(req); err != nil {
		s.logger.Debug("speech request not queued", slog.String("session", req.SessionID), slogError(err))
	}
}

// Submit runs a request to completion in the background. The returned error
// only covers intake; playback outcomes are reported on the bus.
func (s *Service) Submit(req protocol.SpeechRequest) error {
	acc, err := s.Accept(s.ctx, req)
	if err != nil {
		s.metrics.record(s.ctx, req.Mode, outcomeOf(err), 0, 0)
		s.reportFailure(req, req.RequestID, err)
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Finish(acc, req.IsCommand)
	}()
	return nil
}

// Accept validates, normalizes and synthesizes req and queues it on its
// session. The caller must pass the result to Finish.
func (s *Service) Accept(ctx context.Context, req protocol.SpeechRequest) (*Accepted, error) {
	started := s.clock()
	if len(req.Content) >= normalize.MaxContentBytes {
		return nil, speech.ErrTooLong
	}
	mode, err := speech.ParseKind(req.Mode)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Acquire(req.SessionID)
	if err != nil {
		return nil, err
	}

	speaker := req.Nickname
	if speaker == "" {
		speaker = req.AuthorName
	}
	nctx := normalize.Context{
		AuthorName:      req.AuthorName,
		Nickname:        req.Nickname,
		LastSpeaker:     sess.SwapSpeaker(speaker),
		Mentions:        req.Mentions,
		AnnounceSpeaker: s.opts.Normalizer.AnnounceSpeaker,
		SkipEmoji:       s.opts.Normalizer.SkipEmoji,
		RepeatedChars:   s.opts.Normalizer.RepeatedChars,
	}
	if req.SkipEmoji != nil {
		nctx.SkipEmoji = *req.SkipEmoji
	}
	if req.RepeatedChars != nil {
		nctx.RepeatedChars = *req.RepeatedChars
	}
	for _, name := range req.Attachments {
		nctx.Attachments = append(nctx.Attachments, normalize.Attachment{Filename: name})
	}
	cleaned := normalize.Normalize(req.Content, nctx)
	if !normalize.Speakable(cleaned.Text) {
		return nil, speech.ErrEmptyText
	}

	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	sreq := speech.Request{
		ID:                    id,
		Session:               req.SessionID,
		Text:                  cleaned.Text,
		Voice:                 req.Voice,
		Mode:                  mode,
		SpeakingRate:          req.SpeakingRate,
		Instruction:           cleaned.Instruction,
		PersistentInstruction: req.PersistentInstruction,
		TranslateTo:           req.TranslateTo,
		Model:                 req.Model,
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	stream, err := s.synth.Stream(ctx, sreq)
	if err != nil {
		cancel()
		return nil, err
	}
	ticket, err := sess.Queue.Enqueue(ctx, playback.Item{RequestID: id, Mode: mode, Source: stream})
	if err != nil {
		cancel()
		return nil, err
	}
	s.logger.Debug("speech request queued",
		slog.String("request_id", id),
		slog.String("session", req.SessionID),
		slog.String("mode", string(mode)),
		slog.Int("chunks", stream.Chunks()),
	)
	return &Accepted{Request: sreq, Ticket: ticket, started: started, cancel: cancel}, nil
}

// Finish waits for an accepted request to play, then records analytics and
// publishes the outcome.
func (s *Service) Finish(acc *Accepted, isCommand bool) (int, error) {
	defer acc.cancel()
	req := acc.Request
	ctx, span := s.tracer.Start(s.ctx, "tts.request", trace.WithAttributes(
		attribute.String("tts.request_id", req.ID),
		attribute.String("tts.session", req.Session),
		attribute.String("tts.mode", string(req.Mode)),
	))
	defer span.End()

	played, err := acc.Ticket.Wait(s.ctx)
	elapsed := float64(s.clock().Sub(acc.started).Microseconds()) / 1000
	if err != nil && s.ctx.Err() != nil {
		// Shutting down; the queue fails the ticket once sessions close.
		s.logger.Debug("speech request abandoned on shutdown", slog.String("request_id", req.ID))
		return played, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.record(ctx, string(req.Mode), outcomeOf(err), played, elapsed)
		s.reportFailure(protocol.SpeechRequest{SessionID: req.Session, Mode: string(req.Mode)}, req.ID, err)
		return played, err
	}

	s.analytics.Log(req.Mode.AnalyticsEvent(), isCommand)
	s.metrics.record(ctx, string(req.Mode), outcomePlayed, played, elapsed)
	s.publish(protocol.DoneSubject(req.Session), protocol.SpeechStatus{
		SessionID: req.Session,
		RequestID: req.ID,
		Mode:      string(req.Mode),
		Segments:  played,
		Completed: true,
		Timestamp: s.clock().UTC(),
	})
	s.logger.Info("speech played",
		slog.String("request_id", req.ID),
		slog.String("session", req.Session),
		slog.String("mode", string(req.Mode)),
		slog.Int("segments", played),
		slog.Float64("elapsed_ms", elapsed),
	)
	return played, nil
}

// reportFailure logs err and, unless it is a quiet skip, publishes a
// SpeechError so the caller can surface it.
func (s *Service) reportFailure(req protocol.SpeechRequest, requestID string, err error) {
	log := s.logger.With(slog.String("session", req.SessionID), slog.String("mode", req.Mode))
	if requestID != "" {
		log = log.With(slog.String("request_id", requestID))
	}
	if speech.IsSkip(err) {
		log.Debug("speech request skipped", slogError(err))
		return
	}
	log.Warn("speech request failed", slogError(err))

	msg := protocol.SpeechError{
		SessionID: req.SessionID,
		RequestID: requestID,
		Mode:      req.Mode,
		Message:   err.Error(),
		Timestamp: s.clock().UTC(),
	}
	var se *speech.SynthesisError
	if errors.As(err, &se) {
		ordinal := se.Ordinal
		msg.Ordinal = &ordinal
		msg.Status = se.Status
	}
	s.publish(protocol.SubjectSpeechError, msg)
}

func (s *Service) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal message", slog.String("subject", subject), slogError(err))
		return
	}
	if err := s.bus.Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish message", slog.String("subject", subject), slogError(err))
	}
}

func outcomeOf(err error) string {
	if speech.IsSkip(err) {
		return outcomeSkipped
	}
	return outcomeFailed
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
