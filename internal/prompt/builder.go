// Package prompt assembles the token-bounded prompt sent to the
// generation backend: instruction template, persona, and as much of the
// rolling channel history as the truncation budget allows.
package prompt

import (
	"log/slog"
	"strings"

	"github.com/jmatts/parley/internal/domain"
	"github.com/jmatts/parley/internal/persona"
)

// Builder renders prompts for one persona with a fixed token budget.
type Builder struct {
	persona     *persona.Persona
	budget      int
	main        Template
	historyLine Template
	imageComing Template
	logger      *slog.Logger
	count       func(string) int
}

// NewBuilder creates a Builder using the default templates.
func NewBuilder(p *persona.Persona, budgetTokens int, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		persona:     p,
		budget:      budgetTokens,
		main:        MustTemplate(DefaultMainTemplate, TokenAIName, TokenPersona, TokenMessageHistory, TokenImageComing),
		historyLine: MustTemplate(DefaultHistoryLineTemplate, TokenUserName, TokenUserMessage),
		imageComing: MustTemplate(DefaultImageComingTemplate, TokenAIName),
		logger:      logger,
		count:       CountTokens,
	}
}

// BotPromptLine is the line the prompt ends with, cueing the backend to
// speak as the persona. Delivery also filters it back out of responses.
func (b *Builder) BotPromptLine() string {
	return strings.TrimSpace(b.historyLine.Render(map[string]string{
		TokenUserName:    b.persona.AIName,
		TokenUserMessage: "",
	}))
}

// Build renders a prompt from the channel history, newest line last.
// History is fitted newest-first: when the budget runs out, the oldest
// lines are the ones dropped. If the persona and instructions alone
// blow the budget, the prompt is still produced with no history at all.
func (b *Builder) Build(lines []domain.HistoryLine, imageRequested bool) string {
	imageStanza := ""
	if imageRequested {
		imageStanza = b.imageComing.Render(map[string]string{TokenAIName: b.persona.AIName})
	}

	base := b.render("", imageStanza)
	remaining := b.budget - b.count(base)
	if remaining <= 0 {
		b.logger.Warn("persona and instructions exceed the prompt budget, dropping all history",
			"budget_tokens", b.budget,
			"base_tokens", b.count(base),
		)
		return b.render("", imageStanza)
	}

	// Walk newest-first, collecting lines until the next older line
	// would not fit.
	var kept []string
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if strings.TrimSpace(line.Text) == "" {
			continue
		}
		rendered := b.renderLine(line)
		cost := b.count(rendered)
		if cost > remaining {
			b.logger.Warn("ran out of prompt space, discarding older chat history",
				"lines_kept", len(kept),
				"lines_discarded", i+1,
			)
			break
		}
		remaining -= cost
		kept = append(kept, rendered)
	}

	// kept is newest-first; flip it back into chronological order.
	var sb strings.Builder
	for i := len(kept) - 1; i >= 0; i-- {
		sb.WriteString(kept[i])
	}
	return b.render(sb.String(), imageStanza)
}

func (b *Builder) renderLine(line domain.HistoryLine) string {
	text := line.Text
	if line.IsBot {
		// Our own lines keep their formatting verbatim.
		text = strings.TrimRight(text, "\n")
	} else {
		// Flatten user newlines so nobody can imitate the prompt's own
		// speaker framing from inside a message.
		text = strings.Join(strings.Fields(strings.ReplaceAll(text, "\n", " ")), " ")
	}
	return b.historyLine.Render(map[string]string{
		TokenUserName:    line.Speaker,
		TokenUserMessage: text,
	})
}

func (b *Builder) render(historyText, imageStanza string) string {
	out := b.main.Render(map[string]string{
		TokenAIName:         b.persona.AIName,
		TokenPersona:        b.persona.Text,
		TokenMessageHistory: historyText,
		TokenImageComing:    imageStanza,
	})
	return strings.TrimRight(out, "\n") + "\n" + b.BotPromptLine() + "\n"
}
