// Package session tracks the live voice sessions and the playback queue each
// one owns.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/speech"
)

// VoiceSession is one live audio destination.
type VoiceSession struct {
	ID    string
	Queue *playback.Queue

	mu          sync.Mutex
	lastSpeaker string

	// guarded by Manager.mu
	listener bool
	lastUsed time.Time
}

// SwapSpeaker records name as the latest speaker and returns the previous one.
func (s *VoiceSession) SwapSpeaker(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.lastSpeaker
	s.lastSpeaker = name
	return prev
}

// SinkFactory builds the default sink for a session that has none.
type SinkFactory func(session string) (playback.Sink, error)

// Options configure a Manager.
type Options struct {
	Playback playback.Options
	// AutoSink, when set, lets requests create sessions on demand.
	AutoSink SinkFactory
	// IdleTimeout reaps sessions without a listener that have had no
	// request for this long. Zero keeps them until shutdown.
	IdleTimeout time.Duration
}

// Info is a point-in-time view of one session.
type Info struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Pending  int    `json:"pending"`
	Listener bool   `json:"listener"`
}

// Manager owns every live session and its playback queue.
type Manager struct {
	opts  Options
	log   *slog.Logger
	clock func() time.Time

	mu       sync.Mutex
	sessions map[string]*VoiceSession

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(opts Options, log *slog.Logger) *Manager {
	log = log.With(slog.String("component", "sessions"))
	if opts.Playback.Logger == nil {
		opts.Playback.Logger = log
	}
	return &Manager{opts: opts, log: log, clock: time.Now, sessions: make(map[string]*VoiceSession)}
}

// Start runs the idle reaper until ctx ends or Close is called. It is a
// no-op without an IdleTimeout.
func (m *Manager) Start(ctx context.Context) {
	if m.opts.IdleTimeout <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	interval := m.opts.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Reap(); n > 0 {
					m.log.Debug("idle sessions reaped", slog.Int("count", n))
				}
			}
		}
	}()
}

// Reap detaches sessions that have no listener, nothing playing or waiting,
// and no request within IdleTimeout. It returns how many were removed.
func (m *Manager) Reap() int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := m.clock().Add(-m.opts.IdleTimeout)
	m.mu.Lock()
	var idle []*VoiceSession
	for id, s := range m.sessions {
		if s.listener || s.lastUsed.After(cutoff) {
			continue
		}
		if s.Queue.State() != playback.Idle || s.Queue.Pending() > 0 {
			continue
		}
		delete(m.sessions, id)
		idle = append(idle, s)
	}
	m.mu.Unlock()

	for _, s := range idle {
		if err := s.Queue.Close(); err != nil {
			m.log.Warn("closing idle session failed", slog.String("session", s.ID), slog.String("error", err.Error()))
		}
	}
	return len(idle)
}

// Attach installs sink on the session, creating it if needed. A replaced
// sink is closed.
func (m *Manager) Attach(id string, sink playback.Sink) *VoiceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = m.newSession(id, sink)
		s.listener = true
		m.log.Info("session attached", slog.String("session", id))
		return s
	}
	s.listener = true
	s.lastUsed = m.clock()
	if old := s.Queue.SetSink(sink); old != nil && old != sink {
		if err := old.Close(); err != nil {
			m.log.Warn("closing replaced sink failed", slog.String("session", id), slog.String("error", err.Error()))
		}
	}
	return s
}

// Release removes sink from the session if it is still the active one. With
// an automatic sink configured the session falls back to it; otherwise the
// session is destroyed along with its listener.
func (m *Manager) Release(id string, sink playback.Sink) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Queue.Sink() != sink {
		m.mu.Unlock()
		return
	}
	if m.opts.AutoSink == nil {
		delete(m.sessions, id)
		m.mu.Unlock()
		m.log.Info("session detached", slog.String("session", id))
		if err := s.Queue.Close(); err != nil {
			m.log.Warn("closing session failed", slog.String("session", id), slog.String("error", err.Error()))
		}
		return
	}

	next, err := m.opts.AutoSink(id)
	if err != nil {
		m.log.Warn("automatic sink unavailable", slog.String("session", id), slog.String("error", err.Error()))
		next = nil
	}
	swapped := s.Queue.ReplaceSinkIf(sink, next)
	if swapped {
		s.listener = false
		s.lastUsed = m.clock()
	}
	m.mu.Unlock()

	if !swapped {
		if next != nil {
			_ = next.Close()
		}
		return
	}
	m.log.Info("session sink released", slog.String("session", id), slog.Bool("fallback", next != nil))
}

// Detach closes the session's queue and sink and forgets it.
func (m *Manager) Detach(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.log.Info("session detached", slog.String("session", id))
	return s.Queue.Close()
}

func (m *Manager) Get(id string) (*VoiceSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Acquire returns the session for a request, creating it with the automatic
// sink when allowed. Without either it reports ErrNoSink.
func (m *Manager) Acquire(id string) (*VoiceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.lastUsed = m.clock()
		return s, nil
	}
	if m.opts.AutoSink == nil {
		return nil, speech.ErrNoSink
	}
	sink, err := m.opts.AutoSink(id)
	if err != nil {
		return nil, errors.Join(speech.ErrNoSink, err)
	}
	m.log.Debug("session created on demand", slog.String("session", id))
	return m.newSession(id, sink), nil
}

// Snapshot describes every session in id order.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, Info{
			ID:       id,
			State:    s.Queue.State().String(),
			Pending:  s.Queue.Pending(),
			Listener: s.listener,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the reaper and shuts every session down.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*VoiceSession)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Queue.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) newSession(id string, sink playback.Sink) *VoiceSession {
	s := &VoiceSession{ID: id, Queue: playback.NewQueue(id, sink, m.opts.Playback), lastUsed: m.clock()}
	m.sessions[id] = s
	return s
}
