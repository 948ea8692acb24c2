package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/nats-io/nats.go"
)

const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Frame is one segment addressed to a session.
type Frame struct {
	Session   string
	RequestID string
	Mode      speech.BackendKind
	Segment   speech.AudioSegment
}

// Sink is where a session's audio ends up.
type Sink interface {
	Play(ctx context.Context, f Frame) error
	Close() error
}

// Publisher is the subset of the bus client the bus sink needs.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// BusSink publishes each segment as a protocol.AudioSegment on the session's
// audio subject.
type BusSink struct {
	pub Publisher
	enc *zstd.Encoder
}

func NewBusSink(pub Publisher, compression string) (*BusSink, error) {
	s := &BusSink{pub: pub}
	switch compression {
	case "", CompressionNone:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		s.enc = enc
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
	return s, nil
}

func (s *BusSink) Play(_ context.Context, f Frame) error {
	data, err := json.Marshal(protocol.AudioSegment{
		SessionID: f.Session,
		RequestID: f.RequestID,
		Mode:      string(f.Mode),
		Ordinal:   f.Segment.Ordinal,
		Audio:     f.Segment.Bytes,
	})
	if err != nil {
		return err
	}
	msg := nats.NewMsg(protocol.AudioSubject(f.Session))
	msg.Header.Set(protocol.HeaderRequestID, f.RequestID)
	if s.enc != nil {
		data = s.enc.EncodeAll(data, nil)
		msg.Header.Set(protocol.HeaderContentEncoding, protocol.ContentEncodingZstd)
	}
	msg.Data = data
	return s.pub.PublishMsg(msg)
}

func (s *BusSink) Close() error {
	if s.enc != nil {
		return s.enc.Close()
	}
	return nil
}

var segmentDecoder, _ = zstd.NewReader(nil)

// DecodeSegment reverses BusSink.Play for subscribers.
func DecodeSegment(msg *nats.Msg) (protocol.AudioSegment, error) {
	var seg protocol.AudioSegment
	data := msg.Data
	if msg.Header.Get(protocol.HeaderContentEncoding) == protocol.ContentEncodingZstd {
		var err error
		data, err = segmentDecoder.DecodeAll(data, nil)
		if err != nil {
			return seg, fmt.Errorf("decompress segment: %w", err)
		}
	}
	err := json.Unmarshal(data, &seg)
	return seg, err
}

// WebSocketSink writes raw segment bytes as binary frames to one listener.
type WebSocketSink struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       bool
}

func NewWebSocketSink(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSink {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebSocketSink{conn: conn, writeTimeout: writeTimeout}
}

func (s *WebSocketSink) Play(_ context.Context, f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, f.Segment.Bytes)
}

func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
