package imagegen

import (
	"regexp"
	"strings"
)

// minPromptLength filters out matches like "nice pic" with nothing to
// actually draw.
const minPromptLength = 3

// DefaultImageWords trigger image generation when they appear before a
// describable subject.
func DefaultImageWords() []string {
	return []string{
		"draw me",
		"drawing",
		"photo",
		"pic",
		"picture",
		"image",
		"sketch",
	}
}

// Detector extracts image prompts from user messages by pattern
// matching on configured trigger words.
type Detector struct {
	patterns []*regexp.Regexp
}

// NewDetector compiles patterns for each trigger word. The subject of
// the image is whatever follows the word, e.g. "a photo of a cat on
// the moon" yields "a cat on the moon".
func NewDetector(imageWords []string) *Detector {
	d := &Detector{}
	for _, word := range imageWords {
		d.patterns = append(d.patterns, regexp.MustCompile(
			`(?i)^.*\b`+regexp.QuoteMeta(word)+`\b[\s]*(of|with)?[\s]*[:]?(.*)$`,
		))
	}
	return d
}

// MaybePrompt returns the image prompt embedded in a message, if any.
func (d *Detector) MaybePrompt(body string) (string, bool) {
	for _, pattern := range d.patterns {
		match := pattern.FindStringSubmatch(body)
		if match == nil {
			continue
		}
		prompt := strings.TrimSpace(match[2])
		if len(prompt) < minPromptLength {
			continue
		}
		return prompt, true
	}
	return "", false
}
