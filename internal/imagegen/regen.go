package imagegen

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultRegenWindow is how long a posted image stays regenerable.
const DefaultRegenWindow = 3 * time.Minute

const regenSweepInterval = 30 * time.Second

var errOfferExpired = errors.New("regeneration offer expired")

// regenOffer remembers what produced an image so the requesting user
// can ask for another take on the same prompt.
type regenOffer struct {
	ChannelID string
	Prompt    string
	UserID    string
	NSFW      bool
	ExpiresAt time.Time
}

// ExpireCallback is called when an offer lapses, with the channel and
// message it was attached to.
type ExpireCallback func(channelID, messageID string)

// RegenTracker keeps regeneration offers alive for a bounded window.
// Offers are keyed by the message the image was posted in.
type RegenTracker struct {
	mu       sync.Mutex
	offers   map[string]regenOffer
	window   time.Duration
	onExpire ExpireCallback
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegenTracker creates a tracker. A non-positive window falls back
// to DefaultRegenWindow.
func NewRegenTracker(window time.Duration, onExpire ExpireCallback, logger *slog.Logger) *RegenTracker {
	if window <= 0 {
		window = DefaultRegenWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RegenTracker{
		offers:   make(map[string]regenOffer),
		window:   window,
		onExpire: onExpire,
		logger:   logger,
		now:      time.Now,
	}
}

// Offer registers a regeneration offer for a posted image message.
func (t *RegenTracker) Offer(messageID, channelID, prompt, userID string, nsfw bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offers[messageID] = regenOffer{
		ChannelID: channelID,
		Prompt:    prompt,
		UserID:    userID,
		NSFW:      nsfw,
		ExpiresAt: t.now().Add(t.window),
	}
}

// Claim looks up a live offer for regeneration by the user who
// requested the image. Only the original requester may regenerate.
func (t *RegenTracker) Claim(messageID, userID string) (prompt string, nsfw bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	offer, ok := t.offers[messageID]
	if !ok || t.now().After(offer.ExpiresAt) {
		return "", false, errOfferExpired
	}
	if offer.UserID != userID {
		return "", false, errors.New("only the requesting user may regenerate")
	}
	// Regenerating restarts the clock.
	offer.ExpiresAt = t.now().Add(t.window)
	t.offers[messageID] = offer
	return offer.Prompt, offer.NSFW, nil
}

// Forget drops an offer, e.g. when its message is deleted.
func (t *RegenTracker) Forget(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.offers, messageID)
}

// StartSweeper runs a background goroutine that expires stale offers
// until ctx is cancelled.
func (t *RegenTracker) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(regenSweepInterval)
	go func() {
		defer ticker.Stop()
		t.logger.Info("regen sweeper started", "interval", regenSweepInterval, "window", t.window)
		for {
			select {
			case <-ticker.C:
				t.sweep()
			case <-ctx.Done():
				t.logger.Info("regen sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (t *RegenTracker) sweep() {
	type expired struct {
		messageID string
		channelID string
	}
	var lapsed []expired

	t.mu.Lock()
	now := t.now()
	for messageID, offer := range t.offers {
		if now.After(offer.ExpiresAt) {
			delete(t.offers, messageID)
			lapsed = append(lapsed, expired{messageID, offer.ChannelID})
		}
	}
	t.mu.Unlock()

	if len(lapsed) == 0 {
		return
	}
	t.logger.Debug("expired regeneration offers", "count", len(lapsed))
	if t.onExpire == nil {
		return
	}
	for _, e := range lapsed {
		t.onExpire(e.channelID, e.messageID)
	}
}
