package driver

import (
	"regexp"
	"sort"
	"strings"
)

// SpeechConfig shapes model replies before they are synthesized. Phone callers cannot
// skim, so long replies are cut at a sentence boundary.
type SpeechConfig struct {
	MaxChars     int `mapstructure:"max_chars"`
	MaxSentences int `mapstructure:"max_sentences"`
	// Replacements rewrite phrases the voice mispronounces, matched case-insensitively.
	Replacements map[string]string `mapstructure:"replacements"`
}

func (c SpeechConfig) withDefaults() SpeechConfig {
	if c.MaxChars <= 0 {
		c.MaxChars = 600
	}
	if c.MaxSentences <= 0 {
		c.MaxSentences = 4
	}
	return c
}

var (
	markdownLink  = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	markdownMarks = regexp.MustCompile("(?m)\\*+|`+|^#+\\s*|^>\\s*")
	listBullet    = regexp.MustCompile(`(?m)^\s*(?:[-•]|\d+[.)])\s+`)
	spaceRun      = regexp.MustCompile(`\s+`)
)

// speakable turns a model reply into text a voice can read aloud.
func speakable(text string, cfg SpeechConfig) string {
	out := markdownLink.ReplaceAllString(text, "$1")
	out = listBullet.ReplaceAllString(out, "")
	out = markdownMarks.ReplaceAllString(out, "")
	out = spaceRun.ReplaceAllString(out, " ")
	out = strings.TrimSpace(out)

	keys := make([]string, 0, len(cfg.Replacements))
	for k := range cfg.Replacements {
		if k != "" {
			keys = append(keys, k)
		}
	}
	// longest first, so "a.m." wins over "a."
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(k))
		out = re.ReplaceAllLiteralString(out, cfg.Replacements[k])
	}
	return limitReply(out, cfg.MaxSentences, cfg.MaxChars)
}

// limitReply keeps at most maxSentences sentences and maxChars bytes. A cut inside a
// sentence falls back to the last word boundary.
func limitReply(text string, maxSentences, maxChars int) string {
	if maxSentences > 0 {
		count := 0
		for i, r := range text {
			if r != '.' && r != '!' && r != '?' {
				continue
			}
			if i+1 < len(text) && text[i+1] != ' ' {
				continue
			}
			count++
			if count >= maxSentences {
				text = strings.TrimSpace(text[:i+1])
				break
			}
		}
	}
	if maxChars > 0 && len(text) > maxChars {
		cut := text[:maxChars]
		if end := strings.LastIndexAny(cut, ".!?"); end > maxChars/2 {
			cut = cut[:end+1]
		} else if sp := strings.LastIndex(cut, " "); sp > 0 {
			cut = cut[:sp]
		}
		text = strings.TrimSpace(cut)
	}
	return text
}
