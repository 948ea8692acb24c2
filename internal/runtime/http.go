package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/speech"
)

const listenerWriteTimeout = 5 * time.Second

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("GET /v1/voices", r.handleVoices)
	mux.HandleFunc("GET /v1/voices/{name}", r.handleVoice)
	mux.HandleFunc("GET /v1/sessions", r.handleSessions)
	mux.HandleFunc("DELETE /v1/sessions/{id}", r.handleDetach)
	mux.HandleFunc("GET /v1/sessions/{id}/listen", r.handleListen)
	mux.HandleFunc("POST /v1/speak", r.handleSpeak)
	mux.HandleFunc("GET /v1/analytics", r.handleAnalytics)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	brokerUp := r.nats == nil || r.nats.Running()
	if r.ready.Load() && brokerUp && r.bus.Healthy() && r.tts.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type clipVoice struct {
	Name      string   `json:"name"`
	Languages []string `json:"languages"`
}

type voicesResponse struct {
	Enabled      []speech.BackendKind            `json:"enabled"`
	Clips        []clipVoice                     `json:"clips"`
	ClipsBuiltAt time.Time                       `json:"clips_built_at"`
	Backends     map[speech.BackendKind][]string `json:"backends"`
}

func (r *Runtime) handleVoices(w http.ResponseWriter, _ *http.Request) {
	resp := voicesResponse{
		Enabled:      r.dispatcher.Kinds(),
		ClipsBuiltAt: r.clips.BuiltAt().UTC(),
		Backends:     make(map[speech.BackendKind][]string),
	}
	for _, v := range r.clips.Voices() {
		resp.Clips = append(resp.Clips, clipVoice{Name: v.Name, Languages: v.Languages()})
	}
	for _, kind := range speech.Kinds {
		if kind.Remote() {
			resp.Backends[kind] = r.catalog.Voices(kind)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleVoice reports a clip voice by folder name. Unknown names are 404
// even though synthesis would fall back to the default voice.
func (r *Runtime) handleVoice(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	if !r.clips.Has(name) {
		writeError(w, http.StatusNotFound, fmt.Errorf("voice %q not found", name))
		return
	}
	for _, v := range r.clips.Voices() {
		if v.Name == name {
			writeJSON(w, http.StatusOK, clipVoice{Name: v.Name, Languages: v.Languages()})
			return
		}
	}
	// Rebuilt between the two reads.
	writeError(w, http.StatusNotFound, fmt.Errorf("voice %q not found", name))
}

func (r *Runtime) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": r.sessions.Snapshot()})
}

func (r *Runtime) handleDetach(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, ok := r.sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %q not found", id))
		return
	}
	if err := r.sessions.Detach(id); err != nil {
		r.logger.Warn("session detach error", slog.String("session", id), slog.String("error", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleSpeak(w http.ResponseWriter, req *http.Request) {
	var msg protocol.SpeechRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64*1024)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if msg.SessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}
	if err := r.tts.Submit(msg); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": msg.RequestID})
}

// handleListen upgrades to a websocket and plays the session's audio to it
// until the client goes away or another listener takes over.
func (r *Runtime) handleListen(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slog.String("session", id), slog.String("error", err.Error()))
		return
	}
	sink := playback.NewWebSocketSink(conn, listenerWriteTimeout)
	r.sessions.Attach(id, sink)
	r.logger.Info("listener connected", slog.String("session", id), slog.String("remote", req.RemoteAddr))

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	r.sessions.Release(id, sink)
	_ = sink.Close()
	r.logger.Info("listener disconnected", slog.String("session", id))
}

func (r *Runtime) handleAnalytics(w http.ResponseWriter, req *http.Request) {
	totals, err := r.analytics.Totals(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": r.analytics.Enabled(), "totals": totals})
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	filter := capability.Healthy
	if kind := req.URL.Query().Get("capability"); kind != "" {
		filter = capability.WithCapability(kind)
	}
	writeJSON(w, http.StatusOK, map[string]any{"self": r.cfg.Node.ID, "nodes": r.nodes.Nodes(filter)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, speech.ErrTooLong):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, speech.ErrUnknownKind), errors.Is(err, speech.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, speech.ErrBackendDisabled), errors.Is(err, speech.ErrNoClip):
		return http.StatusServiceUnavailable
	case errors.Is(err, speech.ErrNoSink), errors.Is(err, speech.ErrQueueClosed):
		return http.StatusConflict
	case errors.Is(err, speech.ErrQueueFull):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
