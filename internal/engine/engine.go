// Package engine wires the response pipeline together: decide whether
// to reply, build the prompt, stream the completion, and deliver it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmatts/parley/internal/backend"
	"github.com/jmatts/parley/internal/chat"
	"github.com/jmatts/parley/internal/decide"
	"github.com/jmatts/parley/internal/deliver"
	"github.com/jmatts/parley/internal/domain"
	"github.com/jmatts/parley/internal/history"
	"github.com/jmatts/parley/internal/imagegen"
	"github.com/jmatts/parley/internal/prompt"
	"github.com/jmatts/parley/internal/repetition"
	"github.com/jmatts/parley/internal/stats"
	"github.com/jmatts/parley/internal/store"
	"github.com/jmatts/parley/internal/stream"
)

// Config holds pipeline settings not owned by a specific stage.
type Config struct {
	AIName             string
	StopMarkers        []string
	SplitDisabled      bool
	StreamResponses    bool
	StreamEditInterval time.Duration
}

// Deps are the collaborating components. ImageClient, ImageDetect and
// Regen are nil when image generation is disabled; Repo may be nil in
// tests.
type Deps struct {
	Decider     *decide.Engine
	Builder     *prompt.Builder
	History     *history.Store
	Guard       *repetition.Guard
	Generator   backend.Generator
	Messenger   chat.Messenger
	Repo        store.Repository
	Stats       *stats.Aggregate
	ImageClient *imagegen.Client
	ImageDetect *imagegen.Detector
	Regen       *imagegen.RegenTracker
}

// Bot runs the response pipeline. One response at a time per channel:
// a new trigger in a channel cancels the response already in flight
// there.
type Bot struct {
	cfg    Config
	deps   Deps
	sched  *deliver.Scheduler
	logger *slog.Logger

	baseCtx context.Context

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Bot.
func New(cfg Config, deps Deps, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		baseCtx:  context.Background(),
		inflight: make(map[string]context.CancelFunc),
	}
	if deps.Messenger != nil {
		b.AttachMessenger(deps.Messenger)
	}
	return b
}

// AttachMessenger wires the platform adapter. The adapter itself is
// constructed with a reference to the Bot, so it cannot be passed to
// New; call this before the first message arrives.
func (b *Bot) AttachMessenger(m chat.Messenger) {
	b.deps.Messenger = m
	mode := deliver.ModePerSentence
	if b.cfg.StreamResponses {
		mode = deliver.ModeStream
	}
	b.sched = deliver.NewScheduler(m, mode, b.cfg.StreamEditInterval, b.onBotPost, b.logger)
}

// AttachRegen wires the image regeneration tracker, which needs the
// messenger-backed expiry callback and so is built after the adapter.
func (b *Bot) AttachRegen(r *imagegen.RegenTracker) {
	b.deps.Regen = r
}

// Start anchors in-flight responses to ctx. Responses outlive the
// triggering connection but not the process.
func (b *Bot) Start(ctx context.Context) {
	b.baseCtx = ctx
}

// Shutdown waits for in-flight responses to finish. Callers cancel the
// Start context first.
func (b *Bot) Shutdown() {
	b.mu.Lock()
	for _, cancel := range b.inflight {
		cancel()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// HandleMessage processes one inbound message: records it in history,
// decides whether to reply, and kicks off a response if so.
func (b *Bot) HandleMessage(msg domain.MessageEvent) {
	if msg.IsEmpty() {
		return
	}

	b.deps.History.Append(msg.ChannelID, domain.HistoryLine{
		Speaker:   msg.AuthorName,
		Text:      msg.Body,
		IsBot:     msg.AuthorIsBot,
		Timestamp: msg.Timestamp,
	})

	if !msg.AuthorIsBot {
		// Human activity breaks a repetition streak.
		b.deps.Guard.Reset(msg.ChannelID)
	}

	decision := b.deps.Decider.Evaluate(msg, time.Now())
	if decision == decide.NoReply {
		return
	}

	b.logger.Info("responding",
		"channel_id", msg.ChannelID,
		"decision", decision.String(),
		"author", msg.AuthorName)

	ctx := b.takeChannel(msg.ChannelID)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.releaseChannel(msg.ChannelID, ctx)
		b.respond(ctx, msg, decision)
	}()
}

// Forget cancels any in-flight response in a channel and clears all
// conversational state for it.
func (b *Bot) Forget(channelID string) {
	b.mu.Lock()
	if cancel, ok := b.inflight[channelID]; ok {
		cancel()
		delete(b.inflight, channelID)
	}
	b.mu.Unlock()

	b.deps.History.Clear(channelID)
	b.deps.Guard.Reset(channelID)
	b.logger.Info("channel state cleared", "channel_id", channelID)
}

// takeChannel cancels the channel's current response, if any, and
// registers a fresh context for the new one.
func (b *Bot) takeChannel(channelID string) context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.inflight[channelID]; ok {
		b.logger.Debug("superseding in-flight response", "channel_id", channelID)
		cancel()
	}
	ctx, cancel := context.WithCancel(b.baseCtx)
	b.inflight[channelID] = cancel
	return ctx
}

func (b *Bot) releaseChannel(channelID string, ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Only clear the slot if it still belongs to this response.
	if current, ok := b.inflight[channelID]; ok && ctx.Err() == nil {
		current()
		delete(b.inflight, channelID)
	}
}

func (b *Bot) respond(ctx context.Context, msg domain.MessageEvent, decision decide.Decision) {
	imagePrompt, wantImage := b.maybeImagePrompt(msg)
	if wantImage {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.generateImage(ctx, msg, imagePrompt)
		}()
	}

	promptText := b.deps.Builder.Build(b.deps.History.Lines(msg.ChannelID), wantImage)
	resp := b.deps.Stats.RequestArrived(len(promptText))

	units := make(chan string, 1)
	term := &deliver.Termination{}
	sent := make([]string, 0, 8)
	produced := make(chan struct{})

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(produced)
		defer close(units)
		b.produce(ctx, msg.ChannelID, promptText, resp, units, term, &sent)
	}()

	req := deliver.Request{
		ChannelID: msg.ChannelID,
		ReplyToID: msg.MessageID,
		Explicit:  decision == decide.ExplicitReply,
	}
	status, delivered, err := b.sched.Run(ctx, req, units, term)

	// If delivery bailed out early the producer may still be blocked on
	// the units channel; drain it so it can finish.
	go func() {
		for range units {
		}
	}()
	<-produced

	if err != nil {
		b.deps.Stats.Failure()
		b.logger.Error("response delivery failed",
			"channel_id", msg.ChannelID,
			"error", err)
		if term.Reason == deliver.ReasonBackendError && delivered == 0 {
			b.notifyFailure(ctx, msg)
		}
	} else {
		b.deps.Stats.Success(resp)
	}

	if delivered > 0 && delivered <= len(sent) {
		b.deps.History.Append(msg.ChannelID, domain.HistoryLine{
			Speaker:   b.cfg.AIName,
			Text:      strings.Join(sent[:delivered], " "),
			IsBot:     true,
			Timestamp: time.Now(),
		})
	}

	b.recordResponse(msg.ChannelID, status, resp, delivered)

	b.logger.Info("response finished",
		"channel_id", msg.ChannelID,
		"status", string(status),
		"units", delivered,
		"latency", resp.Latency(),
		"duration", resp.Duration())
}

// produce streams the completion, aggregates it into sentence units,
// and forwards them until the stream ends or the repetition guard
// trips. It fills term before closing the units channel.
func (b *Bot) produce(ctx context.Context, channelID, promptText string, resp *stats.Response, units chan<- string, term *deliver.Termination, sent *[]string) {
	agg := stream.New(stream.Config{
		StopMarkers:   b.cfg.StopMarkers,
		SplitDisabled: b.cfg.SplitDisabled,
	})

	forward := func(unit string) bool {
		if b.deps.Guard.Observe(channelID, unit) {
			term.Reason = deliver.ReasonRepetition
			b.logger.Warn("response truncated, bot is repeating itself",
				"channel_id", channelID,
				"unit", unit)
			return false
		}
		resp.Part()
		select {
		case units <- unit:
			*sent = append(*sent, unit)
			return true
		case <-ctx.Done():
			term.Reason = deliver.ReasonCancelled
			return false
		}
	}

	for fragment, err := range b.deps.Generator.Generate(ctx, promptText, nil) {
		if ctx.Err() != nil {
			term.Reason = deliver.ReasonCancelled
			return
		}
		if err != nil {
			term.Reason = deliver.ReasonBackendError
			term.Err = err
			return
		}
		emitted, stopped := agg.Feed(fragment)
		for _, unit := range emitted {
			if !forward(unit) {
				return
			}
		}
		if stopped {
			term.Reason = deliver.ReasonStopMarker
			return
		}
	}

	for _, unit := range agg.Flush() {
		if !forward(unit) {
			return
		}
	}
	term.Reason = deliver.ReasonEndOfStream
}

// notifyFailure posts a short notice when the backend died before a
// single unit went out, so the triggering user isn't left hanging.
func (b *Bot) notifyFailure(ctx context.Context, msg domain.MessageEvent) {
	if ctx.Err() != nil {
		ctx = b.baseCtx
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	opts := chat.CreateOptions{ReplyToID: msg.MessageID}
	if _, err := b.deps.Messenger.CreateMessage(ctx, msg.ChannelID, "Sorry, I couldn't come up with a response.", opts); err != nil {
		b.logger.Warn("failed to post failure notice", "channel_id", msg.ChannelID, "error", err)
	}
}

// onBotPost keeps the decision engine and the database aware of the
// bot's last post time in a channel.
func (b *Bot) onBotPost(channelID string, at time.Time) {
	b.deps.Decider.RecordBotPost(channelID, at)
	if b.deps.Repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := b.deps.Repo.UpsertChannelActivity(ctx, &domain.ChannelActivity{
			ChannelID:   channelID,
			LastBotPost: at,
		})
		if err != nil {
			b.logger.Warn("failed to persist channel activity",
				"channel_id", channelID,
				"error", err)
		}
	}()
}

func (b *Bot) recordResponse(channelID string, status deliver.Status, resp *stats.Response, delivered int) {
	if b.deps.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.deps.Repo.RecordResponse(ctx, &domain.ResponseRecord{
		ChannelID:   channelID,
		Status:      string(status),
		PromptChars: resp.PromptLen(),
		Units:       delivered,
		LatencyMS:   resp.Latency().Milliseconds(),
		DurationMS:  resp.Duration().Milliseconds(),
		CreatedAt:   time.Now(),
	})
	if err != nil {
		b.logger.Warn("failed to record response", "channel_id", channelID, "error", err)
	}
}

func (b *Bot) maybeImagePrompt(msg domain.MessageEvent) (string, bool) {
	if b.deps.ImageClient == nil || b.deps.ImageDetect == nil {
		return "", false
	}
	if _, ok := b.deps.Messenger.(chat.ImagePoster); !ok {
		return "", false
	}
	return b.deps.ImageDetect.MaybePrompt(msg.Body)
}

func (b *Bot) generateImage(ctx context.Context, msg domain.MessageEvent, imagePrompt string) {
	poster, ok := b.deps.Messenger.(chat.ImagePoster)
	if !ok {
		return
	}

	image, err := b.deps.ImageClient.GenerateImage(ctx, imagePrompt, msg.ChannelNSFW)
	if err != nil {
		b.logger.Error("image generation failed",
			"channel_id", msg.ChannelID,
			"prompt", imagePrompt,
			"error", err)
		text := fmt.Sprintf("Sorry %s, I could not generate a picture of %q.", msg.AuthorName, imagePrompt)
		if _, sendErr := b.deps.Messenger.CreateMessage(ctx, msg.ChannelID, text, chat.CreateOptions{ReplyToID: msg.MessageID}); sendErr != nil {
			b.logger.Warn("failed to send image error message", "error", sendErr)
		}
		return
	}

	caption := imageCaption(msg.AuthorName)
	messageID, err := poster.CreateImageMessage(ctx, msg.ChannelID, caption, image, chat.CreateOptions{ReplyToID: msg.MessageID})
	if err != nil {
		b.logger.Error("failed to post image", "channel_id", msg.ChannelID, "error", err)
		return
	}

	if b.deps.Regen != nil {
		b.deps.Regen.Offer(messageID, msg.ChannelID, imagePrompt, msg.AuthorID, msg.ChannelNSFW)
	}
}

// RegenerateImage redraws a previously posted image on request from
// the user who asked for it. The old message is replaced.
func (b *Bot) RegenerateImage(channelID, messageID, userID string) error {
	poster, ok := b.deps.Messenger.(chat.ImagePoster)
	if !ok || b.deps.Regen == nil || b.deps.ImageClient == nil {
		return fmt.Errorf("image generation not enabled")
	}

	imagePrompt, nsfw, err := b.deps.Regen.Claim(messageID, userID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(b.baseCtx, 2*time.Minute)
	defer cancel()

	image, err := b.deps.ImageClient.GenerateImage(ctx, imagePrompt, nsfw)
	if err != nil {
		return fmt.Errorf("regenerate image: %w", err)
	}

	newID, err := poster.CreateImageMessage(ctx, channelID, imageCaption(""), image, chat.CreateOptions{})
	if err != nil {
		return fmt.Errorf("post regenerated image: %w", err)
	}

	b.deps.Regen.Forget(messageID)
	b.deps.Regen.Offer(newID, channelID, imagePrompt, userID, nsfw)

	if err := b.deps.Messenger.DeleteMessage(ctx, channelID, messageID); err != nil {
		b.logger.Warn("failed to delete superseded image message", "error", err)
	}
	return nil
}

// AcceptImage finalizes an image: the offer is dropped and the
// self-destruct note removed from the caption.
func (b *Bot) AcceptImage(channelID, messageID, userID string) error {
	if b.deps.Regen == nil {
		return fmt.Errorf("image generation not enabled")
	}
	imagePrompt, _, err := b.deps.Regen.Claim(messageID, userID)
	if err != nil {
		return err
	}
	b.deps.Regen.Forget(messageID)

	ctx, cancel := context.WithTimeout(b.baseCtx, 10*time.Second)
	defer cancel()
	return b.deps.Messenger.EditMessage(ctx, channelID, messageID, imagePrompt)
}

func imageCaption(userName string) string {
	question := "Is this what you wanted?"
	if userName != "" {
		question = userName + ", is this what you wanted?"
	}
	return question + " If no choice is made, this message will self-destruct in 3 minutes."
}
