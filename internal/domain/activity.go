package domain

import "time"

// ChannelActivity records the bot's most recent post in a channel.
// Created lazily on first activity; read by the decision engine and
// written by the delivery scheduler.
type ChannelActivity struct {
	ChannelID   string
	LastBotPost time.Time
	UpdatedAt   time.Time
}

// ResponseRecord is one completed (or failed) response, persisted for
// operational statistics.
type ResponseRecord struct {
	ChannelID   string
	Status      string
	PromptChars int
	Units       int
	LatencyMS   int64
	DurationMS  int64
	CreatedAt   time.Time
}
