// Package langdetect guesses the dominant language of a text and maps it onto
// the language codes accepted by the cloning backend.
package langdetect

import (
	"sort"
	"strings"

	"github.com/abadojack/whatlanggo"
)

// Fallback is used when detection fails or the language is unsupported.
const Fallback = "en"

var supported = map[string]string{
	"en": "en",
	"es": "es",
	"fr": "fr",
	"de": "de",
	"it": "it",
	"pt": "pt",
	"pl": "pl",
	"tr": "tr",
	"ru": "ru",
	"nl": "nl",
	"cs": "cs",
	"ar": "ar",
	"zh": "zh-cn",
	"ja": "ja",
	"hu": "hu",
	"ko": "ko",
	"hi": "hi",
}

// Detect returns a supported language code, or Fallback.
func Detect(text string) string {
	code, _ := DetectWithConfidence(text)
	return code
}

// DetectWithConfidence also reports whether the detected language was
// recognised and supported.
func DetectWithConfidence(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return Fallback, false
	}
	info := whatlanggo.Detect(text)
	if code, ok := supported[info.Lang.Iso6391()]; ok {
		return code, true
	}
	return Fallback, false
}

// Supported lists the codes Detect can return, sorted.
func Supported() []string {
	out := make([]string, 0, len(supported))
	for _, code := range supported {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
