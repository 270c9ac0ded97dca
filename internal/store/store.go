// Package store persists channel activity and response outcomes so the
// bot remembers when it last spoke in a channel across restarts.
package store

import (
	"context"
	"time"

	"github.com/jmatts/parley/internal/domain"
)

// Repository defines the persistence operations the bot needs.
type Repository interface {
	// GetChannelActivity returns the activity record for a channel, or
	// nil if the bot has never posted there.
	GetChannelActivity(ctx context.Context, channelID string) (*domain.ChannelActivity, error)

	// UpsertChannelActivity creates or updates a channel's activity
	// record.
	UpsertChannelActivity(ctx context.Context, activity *domain.ChannelActivity) error

	// ListChannelActivity returns all known activity records, used to
	// seed the decision engine at startup.
	ListChannelActivity(ctx context.Context) ([]*domain.ChannelActivity, error)

	// RecordResponse appends one response outcome.
	RecordResponse(ctx context.Context, record *domain.ResponseRecord) error

	// PruneResponses deletes response records older than the retention
	// window, returning the number removed.
	PruneResponses(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
