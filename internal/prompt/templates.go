package prompt

import (
	"fmt"
	"strings"
)

// Template placeholders. A template may only reference the tokens
// declared for it; anything else is rejected at startup.
const (
	TokenAIName         = "AI_NAME"
	TokenPersona        = "PERSONA"
	TokenMessageHistory = "MESSAGE_HISTORY"
	TokenImageComing    = "IMAGE_COMING"
	TokenUserName       = "USER_NAME"
	TokenUserMessage    = "USER_MESSAGE"
)

// DefaultMainTemplate is the instruction frame around the transcript.
const DefaultMainTemplate = `You are in a chat room with multiple participants.
Below is a transcript of recent messages in the conversation.
Write the next one to three messages that you would send in this
conversation, from the point of view of the participant named
{AI_NAME}.

{PERSONA}

All responses you write must be from the point of view of
{AI_NAME}.
### Transcript:
{MESSAGE_HISTORY}
{IMAGE_COMING}`

// DefaultHistoryLineTemplate renders one line of transcript.
const DefaultHistoryLineTemplate = "{USER_NAME} says:\n{USER_MESSAGE}\n\n"

// DefaultImageComingTemplate tells the AI an image request is in flight.
const DefaultImageComingTemplate = "{AI_NAME}: is currently generating an image, as requested.\n"

// Template is a validated format string using {TOKEN} placeholders.
type Template struct {
	text    string
	allowed []string
}

// NewTemplate validates that every brace-delimited placeholder in text
// is one of the allowed tokens.
func NewTemplate(text string, allowed ...string) (Template, error) {
	rest := text
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			break
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return Template{}, fmt.Errorf("template has unterminated placeholder near %q", rest[open:])
		}
		name := rest[open+1 : open+closing]
		if !contains(allowed, name) {
			return Template{}, fmt.Errorf("template references unknown token {%s}, allowed: %v", name, allowed)
		}
		rest = rest[open+closing+1:]
	}
	if idx := strings.IndexByte(rest, '}'); idx >= 0 {
		return Template{}, fmt.Errorf("template has stray '}' near %q", rest[idx:])
	}
	return Template{text: text, allowed: allowed}, nil
}

// MustTemplate is NewTemplate for the built-in defaults, which are
// known valid.
func MustTemplate(text string, allowed ...string) Template {
	tpl, err := NewTemplate(text, allowed...)
	if err != nil {
		panic(err)
	}
	return tpl
}

// Render substitutes the given token values. Tokens without a value
// render as empty.
func (t Template) Render(values map[string]string) string {
	out := t.text
	for _, token := range t.allowed {
		out = strings.ReplaceAll(out, "{"+token+"}", values[token])
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
