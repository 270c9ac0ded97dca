// Package chat defines the interface the response pipeline uses to talk
// to the chat platform. Session management and the wire protocol live in
// the concrete adapter (internal/gateway).
package chat

import "context"

// CreateOptions control how a new message is posted.
type CreateOptions struct {
	// ReplyToID, when set, flags the message as an explicit reply to the
	// triggering message.
	ReplyToID string
	// Silent suppresses notifications. Used for the first message of a
	// streamed response, which only contains the first few tokens.
	Silent bool
}

// Messenger exposes the platform operations the delivery scheduler needs.
type Messenger interface {
	// CreateMessage posts a new message and returns its platform ID.
	CreateMessage(ctx context.Context, channelID, text string, opts CreateOptions) (string, error)

	// EditMessage replaces the text of an existing message.
	EditMessage(ctx context.Context, channelID, messageID, text string) error

	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// ImagePoster is implemented by adapters whose platform can attach
// images to messages. The pipeline checks for it with a type assertion
// and skips image generation when the adapter cannot post images.
type ImagePoster interface {
	// CreateImageMessage posts a message with an attached PNG image and
	// returns the message's platform ID.
	CreateImageMessage(ctx context.Context, channelID, caption string, image []byte, opts CreateOptions) (string, error)
}
