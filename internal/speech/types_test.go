package speech

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseKind(t *testing.T) {
	for _, in := range []string{"gTTS", " openai ", "XTTS", "polly"} {
		if _, err := ParseKind(in); err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
	}
	if _, err := ParseKind("festival"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestAnalyticsEvents(t *testing.T) {
	want := map[BackendKind]string{
		KindGTTS:   "gTTS_tts",
		KindPolly:  "Polly_tts",
		KindESpeak: "eSpeak_tts",
		KindGCloud: "gCloud_tts",
		KindOpenAI: "OpenAI_tts",
		KindXTTS:   "XTTS_tts",
	}
	for kind, event := range want {
		if got := kind.AnalyticsEvent(); got != event {
			t.Fatalf("%s: expected %s, got %s", kind, event, got)
		}
	}
}

func TestEffectiveInstruction(t *testing.T) {
	temp, persistent, blank := "whisper", "cheerful", "  "

	req := Request{Instruction: &temp, PersistentInstruction: &persistent}
	if got := req.EffectiveInstruction(); got != temp {
		t.Fatalf("expected temporary instruction, got %q", got)
	}
	req = Request{Instruction: &blank, PersistentInstruction: &persistent}
	if got := req.EffectiveInstruction(); got != persistent {
		t.Fatalf("expected persistent instruction, got %q", got)
	}
	if got := (Request{}).EffectiveInstruction(); got != "" {
		t.Fatalf("expected no instruction, got %q", got)
	}
}

func TestIsSkip(t *testing.T) {
	if !IsSkip(fmt.Errorf("xtts: %w", ErrNoClip)) {
		t.Fatal("wrapped ErrNoClip should be a skip")
	}
	synthErr := &SynthesisError{Kind: KindGTTS, Ordinal: 1, Status: 502, Err: errors.New("bad gateway")}
	if IsSkip(synthErr) {
		t.Fatal("synthesis failure must not be a skip")
	}
	var target *SynthesisError
	if !errors.As(fmt.Errorf("wrap: %w", synthErr), &target) || target.Ordinal != 1 {
		t.Fatal("expected SynthesisError via errors.As")
	}
}
