package chunker

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"
)

// filler returns n runes of space-separated words with no punctuation.
func filler(n int) string {
	words := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(words[i%len(words)])
	}
	s := b.String()[:n]
	if strings.HasSuffix(s, " ") {
		s = s[:n-1] + "x"
	}
	return s
}

func TestSplitFitsInOneChunk(t *testing.T) {
	chunks := Split("  hello world  ", 250)
	if len(chunks) != 1 || chunks[0].Text != "hello world" || chunks[0].Ordinal != 0 {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
	if chunks[0].CharCount != 11 {
		t.Fatalf("expected 11 chars, got %d", chunks[0].CharCount)
	}
}

func TestSplitEmpty(t *testing.T) {
	if chunks := Split("   ", 10); len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %+v", chunks)
	}
}

func TestSplitCountsRunesNotBytes(t *testing.T) {
	text := strings.Repeat("é", 200)
	if chunks := Split(text, 250); len(chunks) != 1 {
		t.Fatalf("expected one chunk for 200 runes, got %d", len(chunks))
	}
}

func TestSplitAtSentenceTerminators(t *testing.T) {
	first := filler(239) + "."
	second := filler(239) + "."
	third := filler(119)
	text := first + " " + second + " " + third
	if n := utf8.RuneCountInString(text); n != 601 {
		t.Fatalf("fixture should be ~600 chars, got %d", n)
	}

	chunks := Split(text, 250)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0].Text != first || chunks[1].Text != second || chunks[2].Text != third {
		t.Fatalf("boundaries not at terminators: %q | %q | %q", chunks[0].Text, chunks[1].Text, chunks[2].Text)
	}
	for i, c := range chunks {
		if c.Ordinal != uint32(i) {
			t.Fatalf("chunk %d has ordinal %d", i, c.Ordinal)
		}
		if c.CharCount > 250 {
			t.Fatalf("chunk %d exceeds limit: %d", i, c.CharCount)
		}
	}
}

func TestSplitPrefersSoftBreakNearLimit(t *testing.T) {
	head := filler(219) + ","
	text := head + " " + filler(150)
	chunks := Split(text, 250)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Text != head {
		t.Fatalf("expected cut after comma, got %q", chunks[0].Text)
	}
}

func TestSplitIgnoresSoftBreakFarFromLimit(t *testing.T) {
	text := "first, " + filler(400)
	chunks := Split(text, 250)
	if strings.HasSuffix(chunks[0].Text, ",") {
		t.Fatalf("soft break outside the margin should not close a chunk: %q", chunks[0].Text)
	}
	if chunks[0].CharCount < 200 {
		t.Fatalf("expected a near-full first chunk, got %d", chunks[0].CharCount)
	}
}

func TestSplitTerminatorBeatsSoftBreak(t *testing.T) {
	text := filler(209) + ". " + filler(20) + ", " + filler(200)
	chunks := Split(text, 250)
	if !strings.HasSuffix(chunks[0].Text, ".") {
		t.Fatalf("expected sentence terminator cut, got %q", chunks[0].Text)
	}
}

func TestSplitFullWidthTerminators(t *testing.T) {
	sentence := strings.Repeat("あ", 99) + "。"
	text := strings.Repeat(sentence, 3)
	chunks := Split(text, 250)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Text != sentence+sentence {
		t.Fatalf("expected cut after second 。, got %d runes", chunks[0].CharCount)
	}
}

func TestSplitHardSlicesScriptlessRuns(t *testing.T) {
	text := strings.Repeat("字", 600)
	chunks := Split(text, 250)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	want := []int{250, 250, 100}
	for i, c := range chunks {
		if c.CharCount != want[i] {
			t.Fatalf("chunk %d: expected %d runes, got %d", i, want[i], c.CharCount)
		}
	}
}

func TestSplitDoesNotBreakDecimals(t *testing.T) {
	text := "pi is 3.14159 " + filler(300)
	chunks := Split(text, 250)
	if strings.HasSuffix(chunks[0].Text, "3.") {
		t.Fatalf("split inside a number: %q", chunks[0].Text)
	}
}

func TestSplitProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	alphabet := []rune("abcdefghij     .,!?;:。，字")
	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(1200)
		limit := 20 + rng.Intn(300)
		runes := make([]rune, n)
		for i := range runes {
			runes[i] = alphabet[rng.Intn(len(alphabet))]
		}
		text := string(runes)

		chunks := Split(text, limit)
		var rebuilt strings.Builder
		for i, c := range chunks {
			if c.Ordinal != uint32(i) {
				t.Fatalf("round %d: ordinal gap at %d", round, i)
			}
			if c.CharCount > limit {
				t.Fatalf("round %d: chunk %d has %d runes, limit %d", round, i, c.CharCount, limit)
			}
			if strings.TrimSpace(c.Text) == "" {
				t.Fatalf("round %d: empty chunk", round)
			}
			rebuilt.WriteString(c.Text)
		}
		if stripSpace(rebuilt.String()) != stripSpace(text) {
			t.Fatalf("round %d: content not preserved", round)
		}
	}
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
