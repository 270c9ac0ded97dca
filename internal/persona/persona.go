// Package persona loads the bot's name, character description, and
// wakewords from configuration or from a character card file.
package persona

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// nameKeys and personaKeys are the card-file fields that may hold the
// AI's name and persona, in priority order. Different card formats use
// different schemas.
var (
	nameKeys    = []string{"char_name", "name"}
	personaKeys = []string{"char_persona", "description", "context", "personality"}
)

// Persona is the bot's identity as seen in prompts and wakeword checks.
type Persona struct {
	AIName   string
	Text     string
	Wakeword []string

	patterns []*regexp.Regexp
}

// New builds a Persona from explicit settings plus an optional card
// file, which overrides them. The AI's own name is always a wakeword.
func New(aiName, personaText string, wakewords []string, cardFile string, logger *slog.Logger) (*Persona, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persona{
		AIName:   aiName,
		Text:     personaText,
		Wakeword: append([]string(nil), wakewords...),
	}
	if cardFile != "" {
		if err := p.loadFile(cardFile, logger); err != nil {
			return nil, err
		}
	}
	if p.AIName == "" {
		return nil, fmt.Errorf("persona: AI name is empty")
	}
	if !containsFold(p.Wakeword, p.AIName) {
		p.Wakeword = append(p.Wakeword, p.AIName)
	}
	for _, word := range p.Wakeword {
		pattern, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("persona: bad wakeword %q: %w", word, err)
		}
		p.patterns = append(p.patterns, pattern)
	}
	return p, nil
}

// ContainsWakeword reports whether text contains any configured
// wakeword as a whole word, case-insensitively.
func (p *Persona) ContainsWakeword(text string) bool {
	for _, pattern := range p.patterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// Substitute replaces the common {{char}} card placeholder with the
// AI's name.
func (p *Persona) Substitute(text string) string {
	return strings.ReplaceAll(text, "{{char}}", p.AIName)
}

func (p *Persona) loadFile(filename string, logger *slog.Logger) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("persona: read %s: %w", filename, err)
	}

	switch {
	case strings.HasSuffix(filename, ".txt"):
		p.Text = strings.TrimSpace(string(data))
		return nil
	case strings.HasSuffix(filename, ".json"):
		var card map[string]any
		if err := json.Unmarshal(data, &card); err != nil {
			return fmt.Errorf("persona: parse %s: %w", filename, err)
		}
		p.applyCard(card)
		return nil
	case strings.HasSuffix(filename, ".yaml"), strings.HasSuffix(filename, ".yml"):
		var card map[string]any
		if err := yaml.Unmarshal(data, &card); err != nil {
			return fmt.Errorf("persona: parse %s: %w", filename, err)
		}
		p.applyCard(card)
		return nil
	default:
		logger.Warn("unknown persona file extension, expected .txt, .json, or .yaml", "file", filename)
		return nil
	}
}

func (p *Persona) applyCard(card map[string]any) {
	for _, key := range nameKeys {
		if v, ok := card[key].(string); ok && v != "" {
			p.AIName = v
			break
		}
	}
	for _, key := range personaKeys {
		if v, ok := card[key].(string); ok && v != "" {
			p.Text = p.Substitute(v)
			break
		}
	}
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
