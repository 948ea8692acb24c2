// Package normalize turns raw chat content into text a synthesis backend can
// read aloud, and extracts optional inline style instructions.
package normalize

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxContentBytes is the size at which content is refused outright.
const MaxContentBytes = 1500

// silentChars never produce speech on their own.
const silentChars = " ?.)'!\":"

var (
	customEmoji   = regexp.MustCompile(`<(a?):([A-Za-z0-9_~]+):[0-9]+>`)
	userMention   = regexp.MustCompile(`<@!?([0-9]+)>`)
	roleMention   = regexp.MustCompile(`<@&[0-9]+>`)
	channelRef    = regexp.MustCompile(`<#[0-9]+>`)
	spoiler       = regexp.MustCompile(`\|\|(?s:.+?)\|\|`)
	link          = regexp.MustCompile(`(?i)\bhttps?://\S+`)
	whitespaceRun = regexp.MustCompile(`\s+`)
	unicodeEmoji  = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F700}-\x{1F77F}\x{1F780}-\x{1F7FF}\x{1F800}-\x{1F8FF}\x{1F900}-\x{1F9FF}\x{1FA00}-\x{1FA6F}\x{1FA70}-\x{1FAFF}\x{2600}-\x{26FF}\x{2700}-\x{27BF}\x{1F1E6}-\x{1F1FF}\x{FE0F}\x{200D}]+`)
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true,
}

type Attachment struct {
	Filename string
}

// Context carries the formatting inputs for one message.
type Context struct {
	AuthorName  string
	Nickname    string
	LastSpeaker string
	Mentions    map[string]string
	Attachments []Attachment

	AnnounceSpeaker bool
	SkipEmoji       bool
	RepeatedChars   int
}

// Result is the cleaned text plus the instruction extracted from it, if any.
type Result struct {
	Text        string
	Instruction *string
}

// ParseInstruction extracts a leading `\tag rest` or `[tag] rest` instruction.
// Both the tag and the remainder must be non-empty; otherwise ok is false and
// rest is the untouched content.
func ParseInstruction(content string) (instruction, rest string, ok bool) {
	if stripped, found := strings.CutPrefix(content, `\`); found {
		if tag, remaining, cut := strings.Cut(stripped, " "); cut {
			tag, remaining = strings.TrimSpace(tag), strings.TrimSpace(remaining)
			if tag != "" && remaining != "" {
				return tag, remaining, true
			}
		}
	}
	if strings.HasPrefix(content, "[") {
		if end := strings.IndexByte(content, ']'); end > 0 {
			tag := strings.TrimSpace(content[1:end])
			remaining := strings.TrimSpace(content[end+1:])
			if tag != "" && remaining != "" {
				return tag, remaining, true
			}
		}
	}
	return "", content, false
}

// Normalize cleans raw message content. It never fails; malformed markup is
// read out as plain text.
func Normalize(raw string, ctx Context) Result {
	var res Result
	if !utf8.ValidString(raw) {
		raw = strings.ToValidUTF8(raw, "")
	}

	text := raw
	if instruction, rest, ok := ParseInstruction(raw); ok {
		res.Instruction = &instruction
		text = rest
	}

	text = norm.NFKC.String(strings.ToLower(text))
	text = replaceEmoji(text, ctx.SkipEmoji)
	text = replaceMentions(text, ctx.Mentions)
	text = spoiler.ReplaceAllString(text, "spoiler avoided")
	text = link.ReplaceAllString(text, "a link")
	if ctx.RepeatedChars > 0 {
		text = CollapseRepeats(text, ctx.RepeatedChars)
	}
	text = strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))

	name := ctx.speakerName()
	summary := describeAttachments(ctx.Attachments)
	switch {
	case summary != "" && text == "":
		// The attachment line already names the speaker.
		text = strings.TrimSpace(name + " " + summary)
	case summary != "":
		text = fmt.Sprintf("%s and %s", text, summary)
		fallthrough
	default:
		if ctx.AnnounceSpeaker && text != "" && name != "" && ctx.LastSpeaker != name {
			text = fmt.Sprintf("%s said: %s", name, text)
		}
	}

	res.Text = text
	return res
}

// Speakable reports whether text contains anything beyond punctuation and spaces.
func Speakable(text string) bool {
	for _, r := range text {
		if !strings.ContainsRune(silentChars, r) {
			return true
		}
	}
	return false
}

// CollapseRepeats shortens any run of the same rune to at most limit runes.
func CollapseRepeats(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	var prev rune
	run := 0
	for i, r := range text {
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		prev = r
		if run <= limit {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (c Context) speakerName() string {
	if c.Nickname != "" {
		return c.Nickname
	}
	return c.AuthorName
}

func replaceEmoji(text string, skip bool) string {
	if skip {
		text = customEmoji.ReplaceAllString(text, "")
		return unicodeEmoji.ReplaceAllString(text, "")
	}
	return customEmoji.ReplaceAllStringFunc(text, func(m string) string {
		parts := customEmoji.FindStringSubmatch(m)
		prefix := "emoji"
		if parts[1] == "a" {
			prefix = "animated emoji"
		}
		return fmt.Sprintf("%s %s", prefix, strings.ReplaceAll(parts[2], "_", " "))
	})
}

func replaceMentions(text string, names map[string]string) string {
	text = userMention.ReplaceAllStringFunc(text, func(m string) string {
		id := userMention.FindStringSubmatch(m)[1]
		if name, ok := names[id]; ok && name != "" {
			return "@" + name
		}
		return "a user"
	})
	text = roleMention.ReplaceAllString(text, "a role")
	return channelRef.ReplaceAllString(text, "a channel")
}

func describeAttachments(files []Attachment) string {
	switch len(files) {
	case 0:
		return ""
	case 1:
		if imageExtensions[strings.ToLower(filepath.Ext(files[0].Filename))] {
			return "sent an image"
		}
		return "sent a file"
	}
	images := 0
	for _, f := range files {
		if imageExtensions[strings.ToLower(filepath.Ext(f.Filename))] {
			images++
		}
	}
	if images == len(files) {
		return fmt.Sprintf("sent %d images", images)
	}
	return fmt.Sprintf("sent %d files", len(files))
}
