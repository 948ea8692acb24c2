package normalize

import (
	"strings"
	"testing"
)

func TestParseInstruction(t *testing.T) {
	cases := []struct {
		in          string
		instruction string
		rest        string
		ok          bool
	}{
		{in: `\whisper hello there`, instruction: "whisper", rest: "hello there", ok: true},
		{in: "[speak like a pirate] ahoy", instruction: "speak like a pirate", rest: "ahoy", ok: true},
		{in: `\whisper`, rest: `\whisper`},
		{in: `\whisper    `, rest: `\whisper    `},
		{in: "[  ] hello", rest: "[  ] hello"},
		{in: "[calm]", rest: "[calm]"},
		{in: "[unterminated hello", rest: "[unterminated hello"},
		{in: "plain text", rest: "plain text"},
		{in: "", rest: ""},
	}
	for _, tc := range cases {
		instruction, rest, ok := ParseInstruction(tc.in)
		if ok != tc.ok || instruction != tc.instruction || rest != tc.rest {
			t.Fatalf("ParseInstruction(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, instruction, rest, ok, tc.instruction, tc.rest, tc.ok)
		}
	}
}

func TestNormalizeExtractsInstructionBeforeLowercasing(t *testing.T) {
	res := Normalize("[Very Excited] HELLO World", Context{})
	if res.Instruction == nil || *res.Instruction != "Very Excited" {
		t.Fatalf("expected instruction preserved verbatim, got %v", res.Instruction)
	}
	if res.Text != "hello world" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestNormalizeMarkup(t *testing.T) {
	ctx := Context{
		AuthorName: "Alice",
		Mentions:   map[string]string{"42": "bob"},
	}
	res := Normalize("hey <@42> and <@!7> in <#9>, see https://example.com/x ||secret|| <:Pog_Champ:123>", ctx)
	want := "hey @bob and a user in a channel, see a link spoiler avoided emoji pog champ"
	if res.Text != want {
		t.Fatalf("got %q\nwant %q", res.Text, want)
	}
	if res.Instruction != nil {
		t.Fatalf("unexpected instruction %q", *res.Instruction)
	}
}

func TestNormalizeSkipEmoji(t *testing.T) {
	res := Normalize("nice 😀🎉 <a:dance:1>", Context{SkipEmoji: true})
	if res.Text != "nice" {
		t.Fatalf("expected emoji stripped, got %q", res.Text)
	}
}

func TestNormalizeAnnounceSpeaker(t *testing.T) {
	ctx := Context{AuthorName: "Alice", Nickname: "Ally", AnnounceSpeaker: true}
	if got := Normalize("hi", ctx).Text; got != "Ally said: hi" {
		t.Fatalf("unexpected announce %q", got)
	}
	ctx.LastSpeaker = "Ally"
	if got := Normalize("hi again", ctx).Text; got != "hi again" {
		t.Fatalf("expected no announce for repeat speaker, got %q", got)
	}
}

func TestNormalizeAttachments(t *testing.T) {
	ctx := Context{AuthorName: "Alice", AnnounceSpeaker: true, Attachments: []Attachment{{Filename: "cat.PNG"}}}
	if got := Normalize("", ctx).Text; got != "Alice sent an image" {
		t.Fatalf("unexpected attachment-only text %q", got)
	}
	ctx.Attachments = append(ctx.Attachments, Attachment{Filename: "notes.txt"})
	if got := Normalize("look", ctx).Text; got != "Alice said: look and sent 2 files" {
		t.Fatalf("unexpected attachment text %q", got)
	}
}

func TestCollapseRepeats(t *testing.T) {
	if got := CollapseRepeats("nooooo wayyy", 2); got != "noo wayy" {
		t.Fatalf("unexpected collapse %q", got)
	}
	if got := CollapseRepeats("aaa", 0); got != "aaa" {
		t.Fatalf("limit 0 must disable collapse, got %q", got)
	}
	if got := Normalize("looool", Context{RepeatedChars: 1}).Text; got != "lol" {
		t.Fatalf("unexpected normalized collapse %q", got)
	}
}

func TestSpeakable(t *testing.T) {
	for _, s := range []string{"", "?!", `"...": )`, "   "} {
		if Speakable(s) {
			t.Fatalf("%q should not be speakable", s)
		}
	}
	if !Speakable("ok?") {
		t.Fatal("expected speakable text")
	}
}

func TestNormalizeInvalidUTF8(t *testing.T) {
	res := Normalize("caf\xe9 time", Context{})
	if !strings.Contains(res.Text, "time") {
		t.Fatalf("expected text to survive invalid bytes, got %q", res.Text)
	}
}
