// Package voiceclips indexes the local reference samples used by the cloning
// backend: <root>/<voice>/<language>.<ext>.
package voiceclips

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-audio/wav"
)

// DefaultVoice always exists in the index, possibly with no clips.
const DefaultVoice = "default"

// EnglishLanguage is the first fallback when the requested language has no clip.
const EnglishLanguage = "en"

// Clip is one reference recording for a voice in one language.
type Clip struct {
	Voice      string
	Language   string
	Path       string
	SampleRate uint32
	Duration   time.Duration
}

// Voice is a clip folder, keyed by language.
type Voice struct {
	Name  string
	Clips map[string]Clip
}

// Languages returns the voice's clip languages in sorted order.
func (v Voice) Languages() []string {
	langs := make([]string, 0, len(v.Clips))
	for lang := range v.Clips {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// Options control which files are indexed.
type Options struct {
	Extensions  []string
	ValidateWAV bool
	Logger      *slog.Logger
}

// Index holds an immutable snapshot of the clip tree. Reads never lock;
// Rebuild publishes a fresh snapshot.
type Index struct {
	root    string
	opts    Options
	log     *slog.Logger
	current atomic.Pointer[snapshot]
}

type snapshot struct {
	voices  map[string]Voice
	builtAt time.Time
}

// New returns an index containing only the synthetic default voice.
func New(root string, opts Options) *Index {
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".wav"}
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	idx := &Index{root: root, opts: opts, log: log.With(slog.String("component", "voice-clips"))}
	idx.current.Store(withDefault(map[string]Voice{}))
	return idx
}

// Build creates an index and scans root once. A missing or unreadable root
// yields a usable index with only the default voice plus the scan error.
func Build(root string, opts Options) (*Index, error) {
	idx := New(root, opts)
	_, err := idx.Rebuild()
	return idx, err
}

// Rebuild rescans the root directory and swaps the snapshot in. It returns the
// number of voices indexed, including the default.
func (idx *Index) Rebuild() (int, error) {
	voices, err := idx.scan()
	snap := withDefault(voices)
	idx.current.Store(snap)
	if err != nil {
		idx.log.Warn("voice clip scan incomplete", slog.String("root", idx.root), slog.String("error", err.Error()))
	} else {
		idx.log.Info("voice clips loaded", slog.String("root", idx.root), slog.Int("voices", len(snap.voices)))
	}
	return len(snap.voices), err
}

// Voices lists every indexed voice sorted by name.
func (idx *Index) Voices() []Voice {
	snap := idx.current.Load()
	out := make([]Voice, 0, len(snap.voices))
	for _, v := range snap.voices {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether a voice folder with that name was indexed.
func (idx *Index) Has(voice string) bool {
	_, ok := idx.current.Load().voices[voice]
	return ok
}

func (idx *Index) BuiltAt() time.Time { return idx.current.Load().builtAt }

func (idx *Index) scan() (map[string]Voice, error) {
	voices := make(map[string]Voice)
	entries, err := os.ReadDir(idx.root)
	if err != nil {
		return voices, fmt.Errorf("read voice clip root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		clips := idx.scanVoice(name)
		if len(clips) == 0 {
			continue
		}
		voices[name] = Voice{Name: name, Clips: clips}
	}
	return voices, nil
}

func (idx *Index) scanVoice(name string) map[string]Clip {
	dir := filepath.Join(idx.root, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		idx.log.Warn("skipping unreadable voice folder", slog.String("voice", name), slog.String("error", err.Error()))
		return nil
	}
	clips := make(map[string]Clip)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !idx.acceptsExtension(ext) {
			continue
		}
		lang := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if lang == "" {
			continue
		}
		clip := Clip{Voice: name, Language: lang, Path: filepath.Join(dir, entry.Name())}
		if idx.opts.ValidateWAV && ext == ".wav" {
			if err := inspectWAV(&clip); err != nil {
				idx.log.Warn("skipping invalid voice clip", slog.String("path", clip.Path), slog.String("error", err.Error()))
				continue
			}
		}
		clips[lang] = clip
	}
	return clips
}

func (idx *Index) acceptsExtension(ext string) bool {
	for _, allowed := range idx.opts.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func inspectWAV(clip *Clip) error {
	f, err := os.Open(clip.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("not a valid wav file")
	}
	clip.SampleRate = dec.SampleRate
	if d, err := dec.Duration(); err == nil {
		clip.Duration = d
	}
	return nil
}

func withDefault(voices map[string]Voice) *snapshot {
	if _, ok := voices[DefaultVoice]; !ok {
		voices[DefaultVoice] = Voice{Name: DefaultVoice, Clips: map[string]Clip{}}
	}
	return &snapshot{voices: voices, builtAt: time.Now()}
}
