// Package domain defines the core entities shared across the bot.
package domain

import (
	"strings"
	"time"
)

// MessageEvent is an inbound message delivered by the chat platform.
type MessageEvent struct {
	MessageID   string
	ChannelID   string
	ChannelName string
	AuthorID    string
	AuthorName  string
	Body        string
	IsDirect    bool
	MentionsBot bool
	Mentions    []string // user IDs mentioned besides the bot
	AuthorIsBot bool
	ChannelNSFW bool // channel is age restricted; switches image negative prompts
	Timestamp   time.Time
}

// IsEmpty reports whether the message carries no visible text.
// This happens when someone posts an attachment without a comment.
func (m MessageEvent) IsEmpty() bool {
	return strings.TrimSpace(m.Body) == ""
}

// HistoryLine is a single line of per-channel conversation history.
// Immutable once captured.
type HistoryLine struct {
	Speaker   string
	Text      string
	IsBot     bool
	Timestamp time.Time
}
