// Package decide implements the per-channel decision of whether an
// inbound message gets a reply at all, and whether that reply is an
// explicit response or ambient chatter.
package decide

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jmatts/parley/internal/domain"
)

// Decision is the outcome of evaluating one inbound message.
type Decision int

const (
	// NoReply means the message is ignored.
	NoReply Decision = iota
	// ExplicitReply is a guaranteed reply, flagged at the platform level
	// as a response to the triggering message.
	ExplicitReply
	// AmbientReply is an unsolicited, probability-gated reply.
	AmbientReply
)

func (d Decision) String() string {
	switch d {
	case ExplicitReply:
		return "explicit"
	case AmbientReply:
		return "ambient"
	default:
		return "none"
	}
}

// WakewordMatcher reports whether message text contains a configured
// wakeword. Implemented by persona.Persona.
type WakewordMatcher interface {
	ContainsWakeword(text string) bool
}

// Config holds decision-engine settings.
type Config struct {
	BotUserID             string
	IgnoreDMs             bool
	DisableUnsolicited    bool
	UnsolicitedChannelCap int // 0 = unlimited
	InterrobangBonus      float64
	Calibration           Calibration
}

// Engine evaluates inbound messages. All state is keyed by channel ID
// and owned here; the per-trigger pipeline only reads through Engine
// methods, so a single mutex suffices.
type Engine struct {
	cfg       Config
	wakewords WakewordMatcher
	logger    *slog.Logger
	randFloat func() float64

	mu       sync.Mutex
	activity map[string]*domain.ChannelActivity
	// summoned is the bounded set of channels eligible for ambient
	// replies, ordered by recency of summon. Nil when the cap is 0.
	summoned *lru.Cache[string, time.Time]
}

// New creates an Engine. The calibration table is validated here so a
// bad table refuses startup instead of producing undefined decisions.
func New(cfg Config, wakewords WakewordMatcher, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Calibration.Validate(); err != nil {
		return nil, fmt.Errorf("invalid calibration table: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		wakewords: wakewords,
		logger:    logger,
		randFloat: rand.Float64,
		activity:  make(map[string]*domain.ChannelActivity),
	}
	if cfg.UnsolicitedChannelCap > 0 {
		cache, err := lru.New[string, time.Time](cfg.UnsolicitedChannelCap)
		if err != nil {
			return nil, fmt.Errorf("unsolicited channel set: %w", err)
		}
		e.summoned = cache
	}
	return e, nil
}

// Evaluate decides how to respond to msg. Explicit triggers (DMs,
// @-mentions, wakewords) always win; everything else goes through the
// idle-time calibration table.
func (e *Engine) Evaluate(msg domain.MessageEvent, now time.Time) Decision {
	// Never talk to other bots, or to ourselves. An unset BotUserID
	// must not swallow messages from connectors that omit author IDs.
	if msg.AuthorIsBot || (e.cfg.BotUserID != "" && msg.AuthorID == e.cfg.BotUserID) {
		return NoReply
	}

	if msg.IsDirect {
		if e.cfg.IgnoreDMs {
			return NoReply
		}
		return ExplicitReply
	}

	if msg.MentionsBot || e.wakewords.ContainsWakeword(msg.Body) {
		e.noteSummon(msg.ChannelID, now)
		return ExplicitReply
	}

	if e.unsolicited(msg, now) {
		e.noteSummon(msg.ChannelID, now)
		return AmbientReply
	}
	return NoReply
}

func (e *Engine) unsolicited(msg domain.MessageEvent, now time.Time) bool {
	if e.cfg.DisableUnsolicited {
		return false
	}
	// Attachment-only posts, and messages addressed to somebody else,
	// don't get ambient replies.
	if msg.IsEmpty() {
		return false
	}
	if len(msg.Mentions) > 0 && !msg.MentionsBot {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.summoned != nil && !e.summoned.Contains(msg.ChannelID) && e.summoned.Len() >= e.cfg.UnsolicitedChannelCap {
		return false
	}

	rec, ok := e.activity[msg.ChannelID]
	if !ok || rec.LastBotPost.IsZero() {
		return false
	}
	elapsed := now.Sub(rec.LastBotPost)
	chance := e.cfg.Calibration.Probability(elapsed)
	if chance == 0 {
		return false
	}
	if strings.HasSuffix(msg.Body, "?") || strings.HasSuffix(msg.Body, "!") {
		chance += e.cfg.InterrobangBonus
	}

	e.logger.Debug("considering unsolicited reply",
		"channel_id", msg.ChannelID,
		"idle", elapsed.Round(time.Second),
		"chance", chance,
	)
	return e.randFloat() < chance
}

// noteSummon inserts or refreshes the channel in the unsolicited set,
// evicting the least-recently-summoned channel past the cap.
func (e *Engine) noteSummon(channelID string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.summoned != nil {
		e.summoned.Add(channelID, now)
	}
}

// RecordBotPost updates the channel activity record after a successful
// delivery. Called by the delivery scheduler.
func (e *Engine) RecordBotPost(channelID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.activity[channelID]
	if !ok {
		rec = &domain.ChannelActivity{ChannelID: channelID}
		e.activity[channelID] = rec
	}
	rec.LastBotPost = at
	rec.UpdatedAt = time.Now()
}

// Activity returns a copy of the channel's activity record, if any.
func (e *Engine) Activity(channelID string) (domain.ChannelActivity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.activity[channelID]
	if !ok {
		return domain.ChannelActivity{}, false
	}
	return *rec, true
}

// SeedActivity preloads activity records, typically from the store at
// startup so ambient behavior survives restarts.
func (e *Engine) SeedActivity(records []*domain.ChannelActivity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range records {
		copied := *rec
		e.activity[rec.ChannelID] = &copied
	}
}
