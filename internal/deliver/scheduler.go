// Package deliver posts response units to the chat service, either one
// message per sentence or as a single message edited in place while
// the response streams in.
package deliver

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jmatts/parley/internal/chat"
)

// Mode selects the delivery strategy for a response.
type Mode int

const (
	// ModePerSentence posts each sentence unit as its own message.
	ModePerSentence Mode = iota
	// ModeStream posts one message and edits it as units arrive,
	// coalescing edits to respect the minimum edit interval.
	ModeStream
)

// Status is the final outcome of a delivered response.
type Status string

const (
	StatusDelivered             Status = "delivered"
	StatusTruncatedByMarker     Status = "truncated_by_marker"
	StatusTruncatedByRepetition Status = "truncated_by_repetition"
	StatusFailed                Status = "failed"
)

// Reason says why the unit stream ended.
type Reason int

const (
	ReasonEndOfStream Reason = iota
	ReasonStopMarker
	ReasonRepetition
	ReasonBackendError
	ReasonCancelled
)

// Termination is filled in by the unit producer before it closes the
// units channel, so the scheduler reads it only after the channel is
// drained.
type Termination struct {
	Reason Reason
	Err    error
}

// Request identifies where a response goes.
type Request struct {
	ChannelID string
	// ReplyToID threads the first message onto the triggering message
	// when the response was explicitly solicited.
	ReplyToID string
	Explicit  bool
}

// Scheduler delivers responses through a chat.Messenger.
type Scheduler struct {
	messenger       chat.Messenger
	mode            Mode
	minEditInterval time.Duration
	onBotPost       func(channelID string, at time.Time)
	logger          *slog.Logger
	now             func() time.Time
}

// NewScheduler creates a Scheduler. onBotPost is invoked after each
// successful post so channel activity stays current; it may be nil.
func NewScheduler(m chat.Messenger, mode Mode, minEditInterval time.Duration, onBotPost func(string, time.Time), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		messenger:       m,
		mode:            mode,
		minEditInterval: minEditInterval,
		onBotPost:       onBotPost,
		logger:          logger,
		now:             time.Now,
	}
}

// Run consumes units until the channel closes, delivers them according
// to the configured mode, and reports the outcome. delivered is the
// number of units actually posted.
func (s *Scheduler) Run(ctx context.Context, req Request, units <-chan string, term *Termination) (status Status, delivered int, err error) {
	if s.mode == ModeStream {
		delivered, err = s.runStream(ctx, req, units)
	} else {
		delivered, err = s.runPerSentence(ctx, req, units)
	}
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-delivery; whatever was posted stands.
			return StatusDelivered, delivered, nil
		}
		return StatusFailed, delivered, err
	}
	switch term.Reason {
	case ReasonStopMarker:
		return StatusTruncatedByMarker, delivered, nil
	case ReasonRepetition:
		return StatusTruncatedByRepetition, delivered, nil
	case ReasonBackendError:
		if delivered == 0 {
			return StatusFailed, 0, term.Err
		}
		s.logger.Warn("response cut short by backend error", "channel_id", req.ChannelID, "error", term.Err)
		return StatusDelivered, delivered, nil
	default:
		return StatusDelivered, delivered, nil
	}
}

func (s *Scheduler) runPerSentence(ctx context.Context, req Request, units <-chan string) (int, error) {
	delivered := 0
	for unit := range units {
		opts := chat.CreateOptions{}
		if delivered == 0 && req.Explicit {
			opts.ReplyToID = req.ReplyToID
		}
		if _, err := s.messenger.CreateMessage(ctx, req.ChannelID, unit, opts); err != nil {
			return delivered, err
		}
		delivered++
		s.notePost(req.ChannelID)
	}
	return delivered, nil
}

// runStream keeps a single message up to date. Edits are rate limited:
// a unit arriving inside the minimum interval is buffered and flushed
// when the interval elapses, and the final content is always written.
func (s *Scheduler) runStream(ctx context.Context, req Request, units <-chan string) (int, error) {
	var (
		acc       strings.Builder
		messageID string
		lastWrite time.Time
		dirty     bool
		delivered int
	)

	timer := time.NewTimer(s.minEditInterval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	write := func() error {
		if messageID == "" {
			opts := chat.CreateOptions{Silent: true}
			if req.Explicit {
				opts.ReplyToID = req.ReplyToID
			}
			id, err := s.messenger.CreateMessage(ctx, req.ChannelID, acc.String(), opts)
			if err != nil {
				return err
			}
			messageID = id
		} else {
			if err := s.messenger.EditMessage(ctx, req.ChannelID, messageID, acc.String()); err != nil {
				return err
			}
		}
		lastWrite = s.now()
		dirty = false
		s.notePost(req.ChannelID)
		return nil
	}

	for {
		select {
		case unit, ok := <-units:
			if !ok {
				if dirty {
					if err := write(); err != nil {
						return delivered, err
					}
				}
				return delivered, nil
			}
			if acc.Len() > 0 {
				acc.WriteString(" ")
			}
			acc.WriteString(unit)
			delivered++
			dirty = true
			if wait := s.minEditInterval - s.now().Sub(lastWrite); messageID != "" && wait > 0 {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(wait)
				continue
			}
			if err := write(); err != nil {
				return delivered, err
			}
		case <-timer.C:
			if dirty {
				if err := write(); err != nil {
					return delivered, err
				}
			}
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
}

func (s *Scheduler) notePost(channelID string) {
	if s.onBotPost != nil {
		s.onBotPost(channelID, s.now())
	}
}
