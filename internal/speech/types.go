package speech

import (
	"fmt"
	"strings"
)

// BackendKind identifies which synthesis backend serves a request.
type BackendKind string

const (
	KindGTTS   BackendKind = "gtts"
	KindPolly  BackendKind = "polly"
	KindESpeak BackendKind = "espeak"
	KindGCloud BackendKind = "gcloud"
	KindOpenAI BackendKind = "openai"
	KindXTTS   BackendKind = "xtts"
)

// Kinds lists every supported backend in a stable order.
var Kinds = []BackendKind{KindGTTS, KindPolly, KindESpeak, KindGCloud, KindOpenAI, KindXTTS}

// ParseKind accepts a backend name case-insensitively.
func ParseKind(s string) (BackendKind, error) {
	k := BackendKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Remote reports whether the kind is served by the shared remote TTS service.
func (k BackendKind) Remote() bool {
	switch k {
	case KindGTTS, KindPolly, KindESpeak, KindGCloud:
		return true
	}
	return false
}

// AnalyticsEvent is the event tag recorded once a request of this kind is played.
func (k BackendKind) AnalyticsEvent() string {
	switch k {
	case KindGTTS:
		return "gTTS_tts"
	case KindPolly:
		return "Polly_tts"
	case KindESpeak:
		return "eSpeak_tts"
	case KindGCloud:
		return "gCloud_tts"
	case KindOpenAI:
		return "OpenAI_tts"
	case KindXTTS:
		return "XTTS_tts"
	}
	return string(k) + "_tts"
}

// Request is one eligible message to be spoken. Treat it as immutable once built.
type Request struct {
	ID                    string
	Session               string
	Text                  string
	Voice                 string
	Mode                  BackendKind
	SpeakingRate          float32
	Instruction           *string
	PersistentInstruction *string
	TranslateTo           string
	Model                 string
}

// EffectiveInstruction returns the per-message instruction, falling back to the
// persistent one.
func (r Request) EffectiveInstruction() string {
	if r.Instruction != nil && strings.TrimSpace(*r.Instruction) != "" {
		return *r.Instruction
	}
	if r.PersistentInstruction != nil && strings.TrimSpace(*r.PersistentInstruction) != "" {
		return *r.PersistentInstruction
	}
	return ""
}

// TextChunk is one synthesis unit. Ordinals are dense and start at zero.
type TextChunk struct {
	Ordinal   uint32
	Text      string
	CharCount int
}

// AudioSegment carries the audio produced for the chunk with the same ordinal.
type AudioSegment struct {
	Ordinal uint32
	Bytes   []byte
}
