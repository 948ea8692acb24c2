// Package playback serializes finished audio into a session's sink, one
// request at a time in arrival order.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/loqalabs/loqa-voice/internal/synth"
)

// State is what a session's queue is doing right now.
type State int32

const (
	Idle State = iota
	Playing
)

func (s State) String() string {
	if s == Playing {
		return "playing"
	}
	return "idle"
}

// Source is a request's segment stream. *synth.Stream satisfies it.
type Source interface {
	Segments() <-chan speech.AudioSegment
	Err() error
	Close()
}

// Item is one request waiting for its turn.
type Item struct {
	RequestID string
	Mode      speech.BackendKind
	Source    Source
}

// Options tune a Queue.
type Options struct {
	// EarlyStart forwards segments as they arrive instead of holding a
	// request until its stream has completed.
	EarlyStart bool
	// Size bounds the number of requests waiting behind the one playing.
	Size   int
	Logger *slog.Logger
}

// Ticket tracks one enqueued request until it has played or failed.
type Ticket struct {
	done   chan struct{}
	played int
	err    error
}

func newTicket() *Ticket { return &Ticket{done: make(chan struct{})} }

func (t *Ticket) finish(played int, err error) {
	t.played, t.err = played, err
	close(t.done)
}

func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the request finished and reports how many segments
// reached the sink.
func (t *Ticket) Wait(ctx context.Context) (int, error) {
	select {
	case <-t.done:
		return t.played, t.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type job struct {
	item   Item
	ticket *Ticket
}

// Queue owns a session's sink and plays requests FIFO on a single worker.
type Queue struct {
	session string
	opts    Options
	log     *slog.Logger

	mu     sync.Mutex
	sink   Sink
	closed bool
	// send is held shared by Enqueue so Close can wait out in-flight sends.
	send sync.RWMutex

	items  chan job
	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue starts the worker for session. Size defaults to 16.
func NewQueue(session string, sink Sink, opts Options) *Queue {
	if opts.Size <= 0 {
		opts.Size = 16
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		session: session,
		opts:    opts,
		log:     log.With(slog.String("component", "playback"), slog.String("session", session)),
		sink:    sink,
		items:   make(chan job, opts.Size),
		ctx:     ctx,
		cancel:  cancel,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// SetSink swaps the sink used for requests that start after the call and
// returns the previous one. The caller owns the returned sink.
func (q *Queue) SetSink(s Sink) Sink {
	q.mu.Lock()
	defer q.mu.Unlock()
	old := q.sink
	q.sink = s
	return old
}

// ReplaceSinkIf installs next only while old is still the active sink.
func (q *Queue) ReplaceSinkIf(old, next Sink) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sink != old {
		return false
	}
	q.sink = next
	return true
}

func (q *Queue) Sink() Sink {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sink
}

func (q *Queue) State() State { return State(q.state.Load()) }

// Pending is the number of requests waiting behind the current one.
func (q *Queue) Pending() int { return len(q.items) }

// Enqueue appends item to the queue. It never blocks: a full queue rejects
// the item with ErrQueueFull so a slow session cannot hold up its caller.
func (q *Queue) Enqueue(ctx context.Context, item Item) (*Ticket, error) {
	q.send.RLock()
	defer q.send.RUnlock()
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed || q.ctx.Err() != nil {
		item.Source.Close()
		return nil, speech.ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		item.Source.Close()
		return nil, err
	}
	t := newTicket()
	select {
	case q.items <- job{item: item, ticket: t}:
		return t, nil
	default:
		item.Source.Close()
		return nil, speech.ErrQueueFull
	}
}

// Close stops playback, fails every waiting request and closes the sink.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.send.Lock()
	q.send.Unlock()
	q.wg.Wait()
	q.drain()
	if s := q.SetSink(nil); s != nil {
		return s.Close()
	}
	return nil
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			q.drain()
			return
		case j := <-q.items:
			if q.ctx.Err() != nil {
				j.item.Source.Close()
				j.ticket.finish(0, speech.ErrQueueClosed)
				continue
			}
			q.state.Store(int32(Playing))
			played, err := q.play(j.item)
			q.state.Store(int32(Idle))
			j.ticket.finish(played, err)
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case j := <-q.items:
			j.item.Source.Close()
			j.ticket.finish(0, speech.ErrQueueClosed)
		default:
			return
		}
	}
}

func (q *Queue) play(item Item) (int, error) {
	log := q.log.With(slog.String("request_id", item.RequestID))
	sink := q.Sink()
	if sink == nil {
		item.Source.Close()
		return 0, speech.ErrNoSink
	}
	frame := func(seg speech.AudioSegment) Frame {
		return Frame{Session: q.session, RequestID: item.RequestID, Mode: item.Mode, Segment: seg}
	}

	var (
		asm    synth.Assembler
		played int
	)
	segments := item.Source.Segments()
	for {
		select {
		case <-q.ctx.Done():
			item.Source.Close()
			return played, speech.ErrQueueClosed
		case seg, ok := <-segments:
			if !ok {
				if err := item.Source.Err(); err != nil {
					log.Debug("request produced no complete audio", slog.Int("played", played), slog.String("error", err.Error()))
					return played, err
				}
				if q.opts.EarlyStart {
					return played, nil
				}
				if q.ctx.Err() != nil {
					return played, speech.ErrQueueClosed
				}
				for _, held := range asm.Segments() {
					if err := sink.Play(q.ctx, frame(held)); err != nil {
						return played, err
					}
					played++
				}
				return played, nil
			}
			if err := asm.Add(seg); err != nil {
				item.Source.Close()
				return played, err
			}
			if q.opts.EarlyStart {
				if err := sink.Play(q.ctx, frame(seg)); err != nil {
					item.Source.Close()
					return played, err
				}
				played++
			}
		}
	}
}
