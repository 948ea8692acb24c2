package protocol

import "time"

// SpeechRequest asks the service to speak one chat message into a session.
type SpeechRequest struct {
	SessionID   string            `json:"session_id"`
	RequestID   string            `json:"request_id,omitempty"`
	Content     string            `json:"content"`
	AuthorID    string            `json:"author_id,omitempty"`
	AuthorName  string            `json:"author_name,omitempty"`
	Nickname    string            `json:"nickname,omitempty"`
	Mentions    map[string]string `json:"mentions,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
	IsCommand   bool              `json:"is_command,omitempty"`

	Mode                  string  `json:"mode"`
	Voice                 string  `json:"voice,omitempty"`
	SpeakingRate          float32 `json:"speaking_rate,omitempty"`
	PersistentInstruction *string `json:"persistent_instruction,omitempty"`
	TranslateTo           string  `json:"translate_to,omitempty"`
	Model                 string  `json:"model,omitempty"`
	SkipEmoji             *bool   `json:"skip_emoji,omitempty"`
	RepeatedChars         *int    `json:"repeated_chars,omitempty"`
}

// AudioSegment is one ordered piece of a request's audio.
type AudioSegment struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Mode      string `json:"mode"`
	Ordinal   uint32 `json:"ordinal"`
	Audio     []byte `json:"audio"`
}

// SpeechStatus is published once a request has finished playing.
type SpeechStatus struct {
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id"`
	Mode      string    `json:"mode"`
	Segments  int       `json:"segments"`
	Completed bool      `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeechError reports a request that produced no audio because of a failure.
type SpeechError struct {
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id"`
	Mode      string    `json:"mode"`
	Ordinal   *uint32   `json:"ordinal,omitempty"`
	Status    int       `json:"status,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSpeechRequest    = "voice.tts.request"
	SubjectAudioPrefix      = "voice.audio"
	SubjectSpeechDonePrefix = "voice.tts.done"
	SubjectSpeechError      = "voice.tts.error"
	SubjectEventsStream     = "VOICE_EVENTS"
	SubjectNodeAnnounce     = "voice.node.announce"
	SubjectNodeHeartbeat    = "voice.node.heartbeat"
	HeaderContentEncoding   = "Content-Encoding"
	HeaderRequestID         = "Loqa-Request-Id"
	ContentEncodingZstd     = "zstd"
)

// Capability is one thing a node can serve, such as a backend kind.
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnounce advertises a node and everything it can synthesize with.
type NodeAnnounce struct {
	NodeID       string       `json:"node_id"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Sessions  int       `json:"sessions"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeHeartbeatSubject is where node id publishes its liveness.
func NodeHeartbeatSubject(node string) string { return SubjectNodeHeartbeat + "." + node }

// AudioSubject is where a session's audio segments are published.
func AudioSubject(session string) string { return SubjectAudioPrefix + "." + session }

// DoneSubject is where a session's completion statuses are published.
func DoneSubject(session string) string { return SubjectSpeechDonePrefix + "." + session }
