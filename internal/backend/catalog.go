package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"golang.org/x/sync/errgroup"
)

// PollyVoice is one entry of the Polly voice list.
type PollyVoice struct {
	ID              string   `json:"Id"`
	Name            string   `json:"Name"`
	Gender          string   `json:"Gender"`
	LanguageCode    string   `json:"LanguageCode"`
	LanguageName    string   `json:"LanguageName"`
	SupportedEngine []string `json:"SupportedEngines"`
}

// GoogleVoice is one entry of the raw Google Cloud voice list.
type GoogleVoice struct {
	Name          string   `json:"name"`
	LanguageCodes []string `json:"languageCodes"`
	SSMLGender    string   `json:"ssmlGender"`
}

// Catalog is the set of voices each remote kind offers. Every list may be
// empty when the remote service was unreachable at boot.
type Catalog struct {
	GTTS   map[string]string
	ESpeak []string
	Polly  []PollyVoice
	// GCloud maps language code to variant letter to gender.
	GCloud               map[string]map[string]string
	TranslationLanguages map[string]string
}

// FetchCatalog loads every voice list concurrently. Failures are logged and
// leave that list empty; boot never fails because of the catalog.
func FetchCatalog(ctx context.Context, cfg config.RemoteConfig, client *http.Client, log *slog.Logger) *Catalog {
	log = log.With(slog.String("component", "voice-catalog"))
	cat := &Catalog{
		GTTS:                 map[string]string{},
		GCloud:               map[string]map[string]string{},
		TranslationLanguages: map[string]string{},
	}
	base := strings.TrimRight(cfg.URL, "/")
	if base == "" {
		log.Info("remote tts service not configured, voice catalog empty")
		return cat
	}
	if client == nil {
		client = http.DefaultClient
	}
	fetch := func(ctx context.Context, path string, out any) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return err
		}
		if cfg.AuthKey != "" {
			req.Header.Set("Authorization", cfg.AuthKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if !successful(resp.StatusCode) {
			return statusError(resp)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
	voices := func(kind speech.BackendKind) string {
		q := url.Values{"mode": {string(kind)}, "raw": {"true"}}
		return "/voices?" + q.Encode()
	}

	var (
		gtts   map[string]string
		espeak []string
		polly  []PollyVoice
		google []GoogleVoice
		langs  [][2]string
	)
	// Each goroutine swallows its own error so one failing list never
	// cancels the others.
	g, gctx := errgroup.WithContext(ctx)
	run := func(name, path string, out any) {
		g.Go(func() error {
			if err := fetch(gctx, path, out); err != nil {
				log.Warn("voice list unavailable", slog.String("list", name), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	run("gtts", voices(speech.KindGTTS), &gtts)
	run("espeak", voices(speech.KindESpeak), &espeak)
	run("polly", voices(speech.KindPolly), &polly)
	run("gcloud", voices(speech.KindGCloud), &google)
	run("translation_languages", "/translation_languages", &langs)
	_ = g.Wait()

	if gtts != nil {
		cat.GTTS = gtts
	}
	cat.ESpeak = espeak
	cat.Polly = polly
	cat.GCloud = GroupGoogleVoices(google)
	for _, pair := range langs {
		cat.TranslationLanguages[strings.ToLower(pair[0])] = pair[1]
	}
	log.Info("voice catalog loaded",
		slog.Int("gtts", len(cat.GTTS)),
		slog.Int("espeak", len(cat.ESpeak)),
		slog.Int("polly", len(cat.Polly)),
		slog.Int("gcloud_languages", len(cat.GCloud)),
		slog.Int("translation_languages", len(cat.TranslationLanguages)),
	)
	return cat
}

// GroupGoogleVoices keeps the Standard voices and groups them by language.
// "en-US-Standard-A" becomes GCloud["en-US"]["A"].
func GroupGoogleVoices(voices []GoogleVoice) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, v := range voices {
		parts := strings.SplitN(v.Name, "-", 3)
		if len(parts) != 3 {
			continue
		}
		mode, variant, ok := strings.Cut(parts[2], "-")
		if !ok || mode != "Standard" || variant == "" {
			continue
		}
		lang := parts[0] + "-" + parts[1]
		if len(v.LanguageCodes) > 0 {
			lang = v.LanguageCodes[0]
		}
		if out[lang] == nil {
			out[lang] = make(map[string]string)
		}
		out[lang][variant] = v.SSMLGender
	}
	return out
}

// Voices lists the voice names a kind accepts, sorted. Kinds without a
// catalog return nil.
func (c *Catalog) Voices(kind speech.BackendKind) []string {
	var names []string
	switch kind {
	case speech.KindGTTS:
		for code := range c.GTTS {
			names = append(names, code)
		}
	case speech.KindESpeak:
		names = append(names, c.ESpeak...)
	case speech.KindPolly:
		for _, v := range c.Polly {
			names = append(names, v.ID)
		}
	case speech.KindGCloud:
		for lang, variants := range c.GCloud {
			for variant := range variants {
				names = append(names, GoogleVoiceName(lang, variant))
			}
		}
	default:
		return nil
	}
	sort.Strings(names)
	return names
}

// GoogleVoiceName is the stored form of a Google voice: "<lang> <variant>".
func GoogleVoiceName(lang, variant string) string {
	return lang + " " + variant
}

// ParseGoogleVoice splits "en-US A" into the language and the full
// Standard voice name.
func ParseGoogleVoice(voice string) (lang, name string, err error) {
	lang, variant, ok := strings.Cut(strings.TrimSpace(voice), " ")
	if !ok || lang == "" || variant == "" {
		return "", "", fmt.Errorf("malformed google voice %q", voice)
	}
	return lang, lang + "-Standard-" + variant, nil
}
