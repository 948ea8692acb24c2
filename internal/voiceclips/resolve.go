package voiceclips

// Strategy is one step of clip resolution. Steps run in order and the first
// hit wins.
type Strategy struct {
	Name  string
	voice func(requested string) string
	pick  func(v Voice, lang string) (Clip, bool)
}

// Resolution is the fallback order: the requested voice in the requested
// language, in English, in any language; then the same three against the
// default voice.
var Resolution = []Strategy{
	{Name: "voice/language", voice: requested, pick: exactLanguage},
	{Name: "voice/english", voice: requested, pick: english},
	{Name: "voice/any", voice: requested, pick: anyLanguage},
	{Name: "default/language", voice: fallbackVoice, pick: exactLanguage},
	{Name: "default/english", voice: fallbackVoice, pick: english},
	{Name: "default/any", voice: fallbackVoice, pick: anyLanguage},
}

// Resolve finds the reference clip for voice and language. ok is false only
// when neither the voice nor the default voice has any clip.
func (idx *Index) Resolve(voice, lang string) (Clip, bool) {
	clip, _, ok := idx.ResolveWith(voice, lang)
	return clip, ok
}

// ResolveWith is Resolve that also names the strategy that matched.
func (idx *Index) ResolveWith(voice, lang string) (Clip, string, bool) {
	snap := idx.current.Load()
	for _, step := range Resolution {
		v, ok := snap.voices[step.voice(voice)]
		if !ok {
			continue
		}
		if clip, ok := step.pick(v, lang); ok {
			return clip, step.Name, true
		}
	}
	return Clip{}, "", false
}

func requested(name string) string { return name }

func fallbackVoice(string) string { return DefaultVoice }

func exactLanguage(v Voice, lang string) (Clip, bool) {
	if lang == "" {
		return Clip{}, false
	}
	clip, ok := v.Clips[lang]
	return clip, ok
}

func english(v Voice, _ string) (Clip, bool) {
	clip, ok := v.Clips[EnglishLanguage]
	return clip, ok
}

// anyLanguage picks the alphabetically first language so results are stable.
func anyLanguage(v Voice, _ string) (Clip, bool) {
	var (
		best  Clip
		found bool
	)
	for lang, clip := range v.Clips {
		if !found || lang < best.Language {
			best, found = clip, true
		}
	}
	return best, found
}
