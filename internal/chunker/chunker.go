// Package chunker splits normalized text into ordered pieces that fit a
// backend's character budget.
package chunker

import (
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-voice/internal/speech"
)

// SoftMargin is how close to the limit a soft break must sit to be used as a
// cut point.
const SoftMargin = 50

// Split breaks text into chunks of at most limit characters (runes). A limit
// of zero or less means the backend accepts any length.
//
// Cut points are chosen per chunk in this order: the last sentence terminator
// that fits, the last soft break within SoftMargin of the limit, the last
// whitespace, and finally a hard slice at exactly limit runes.
func Split(text string, limit int) []speech.TextChunk {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return number([]string{text})
	}

	var pieces []string
	start := 0
	for start < len(runes) {
		for start < len(runes) && unicode.IsSpace(runes[start]) {
			start++
		}
		if start >= len(runes) {
			break
		}
		if len(runes)-start <= limit {
			pieces = append(pieces, string(runes[start:]))
			break
		}
		end := cutPoint(runes, start, limit)
		pieces = append(pieces, string(runes[start:end]))
		start = end
	}
	return number(pieces)
}

// cutPoint returns the exclusive end index of the chunk starting at start.
func cutPoint(runes []rune, start, limit int) int {
	lastTerm, lastSoft, lastSpace := -1, -1, -1
	softFloor := start + limit - SoftMargin
	for i := start; i < start+limit; i++ {
		switch {
		case isTerminator(runes, i):
			lastTerm = i
		case isSoftBreak(runes[i]) && i >= softFloor:
			lastSoft = i
		case unicode.IsSpace(runes[i]) && i > start:
			lastSpace = i
		}
	}
	switch {
	case lastTerm >= 0:
		return lastTerm + 1
	case lastSoft >= 0:
		return lastSoft + 1
	case lastSpace >= 0:
		return lastSpace
	}
	return start + limit
}

// isTerminator treats ASCII terminators as sentence ends only when followed by
// whitespace or the end of text, so "3.5" or "?!" are not split.
func isTerminator(runes []rune, i int) bool {
	switch runes[i] {
	case '。', '！', '？', '…':
		return true
	case '.', '!', '?':
		return i+1 >= len(runes) || unicode.IsSpace(runes[i+1])
	}
	return false
}

func isSoftBreak(r rune) bool {
	switch r {
	case ',', ';', ':', '，', '；', '：', '、', '\n':
		return true
	}
	return false
}

func number(pieces []string) []speech.TextChunk {
	chunks := make([]speech.TextChunk, 0, len(pieces))
	for _, p := range pieces {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		chunks = append(chunks, speech.TextChunk{
			Ordinal:   uint32(len(chunks)),
			Text:      p,
			CharCount: len([]rune(p)),
		})
	}
	return chunks
}
