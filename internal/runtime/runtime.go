package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/analytics"
	"github.com/loqalabs/loqa-voice/internal/backend"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/langdetect"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/voiceclips"
)

const eventRetention = 24 * time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats         *natsserver.EmbeddedServer
	bus          *bus.Client
	analytics    *analytics.Store
	clips        *voiceclips.Index
	catalog      *backend.Catalog
	dispatcher   *backend.Dispatcher
	closeBackend func() error
	sessions     *session.Manager
	tts          *tts.Service
	nodes        *capability.Registry
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		r.closeTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.stopServices()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	events := []string{protocol.SubjectSpeechDonePrefix + ".>", protocol.SubjectSpeechError}
	if err := client.EnsureStream(protocol.SubjectEventsStream, events, eventRetention); err != nil {
		r.logger.Warn("speech events will not be retained", slog.String("error", err.Error()))
	}

	store, err := analytics.Open(ctx, r.cfg.Analytics, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open analytics store: %w", err)
	}
	r.analytics = store
	store.Start(ctx)

	r.clips = LoadClips(r.cfg.VoiceClips, r.logger)

	catalogCtx, cancelCatalog := context.WithTimeout(ctx, 10*time.Second)
	r.catalog = backend.FetchCatalog(catalogCtx, r.cfg.Remote, httpClient(r.cfg.Remote.TimeoutMS), r.logger)
	cancelCatalog()

	r.dispatcher, r.closeBackend, err = NewDispatcher(ctx, r.cfg, r.clips, r.logger)
	if err != nil {
		return fmt.Errorf("failed to configure backends: %w", err)
	}

	pipeline := synth.New(r.dispatcher, synth.Options{
		QueueDepth: r.cfg.Pipeline.QueueDepth,
		Silence:    synth.SilencePad(r.cfg.Pipeline.SilenceSampleRate, r.cfg.Pipeline.SilenceSeconds),
		Detect:     langdetect.Detect,
	}, r.logger)

	sessOpts := session.Options{
		Playback:    playback.Options{EarlyStart: r.cfg.Playback.EarlyStart, Size: r.cfg.Playback.QueueSize},
		IdleTimeout: time.Duration(r.cfg.Playback.IdleTimeoutMS) * time.Millisecond,
	}
	if r.cfg.Playback.AutoBusSink {
		compression := r.cfg.Playback.Compression
		sessOpts.AutoSink = func(string) (playback.Sink, error) {
			return playback.NewBusSink(client, compression)
		}
	}
	r.sessions = session.NewManager(sessOpts, r.logger)
	r.sessions.Start(ctx)

	svc, err := tts.NewService(ctx, tts.Options{
		QueueGroup:     busCfg.QueueGroup,
		RequestTimeout: time.Duration(r.cfg.Pipeline.RequestTimeoutMS) * time.Millisecond,
		Normalizer:     r.cfg.Normalizer,
	}, client, pipeline, r.sessions, store, r.logger)
	if err != nil {
		return err
	}
	r.tts = svc
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start tts service: %w", err)
	}
	r.logger.Info("speech backends registered", slog.Any("kinds", r.dispatcher.Kinds()))

	nodes, err := capability.NewRegistry(ctx, r.cfg.Node, client, capability.Source{
		Capabilities: r.capabilities,
		Sessions:     r.sessions.Active,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start node registry: %w", err)
	}
	r.nodes = nodes
	return nil
}

// capabilities advertises one entry per registered backend.
func (r *Runtime) capabilities() []protocol.Capability {
	kinds := r.dispatcher.Kinds()
	caps := make([]protocol.Capability, 0, len(kinds))
	for _, kind := range kinds {
		c := protocol.Capability{Name: string(kind)}
		switch {
		case kind == speech.KindXTTS:
			var names []string
			for _, v := range r.clips.Voices() {
				names = append(names, v.Name)
			}
			c.Attributes = map[string]string{
				"voices":    strings.Join(names, ","),
				"languages": strings.Join(langdetect.Supported(), ","),
			}
		case kind.Remote():
			c.Attributes = map[string]string{"voices": strconv.Itoa(len(r.catalog.Voices(kind)))}
		}
		caps = append(caps, c)
	}
	return caps
}

// stopServices tears down in reverse start order. Components that never
// started are skipped.
func (r *Runtime) stopServices() {
	if r.nodes != nil {
		r.nodes.Close()
	}
	if r.tts != nil {
		r.tts.Close()
	}
	if r.sessions != nil {
		if err := r.sessions.Close(); err != nil {
			r.logger.Warn("session shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.closeBackend != nil {
		if err := r.closeBackend(); err != nil {
			r.logger.Warn("backend shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.analytics != nil {
		if err := r.analytics.Close(); err != nil {
			r.logger.Warn("analytics shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
