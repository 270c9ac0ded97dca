// Package gateway speaks the websocket protocol between the bot and
// the chat platform connector. The connector relays platform events
// (messages arriving in channels) inbound and applies message
// operations (create, edit, delete) outbound.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jmatts/parley/internal/chat"
	"github.com/jmatts/parley/internal/domain"
	"github.com/jmatts/parley/internal/engine"
)

var errNoConnector = errors.New("no connector attached")

// inboundEvent is one frame from the connector.
type inboundEvent struct {
	Type string `json:"type"`

	// type == "message"
	MessageID   string   `json:"message_id,omitempty"`
	ChannelID   string   `json:"channel_id,omitempty"`
	ChannelName string   `json:"channel_name,omitempty"`
	AuthorID    string   `json:"author_id,omitempty"`
	AuthorName  string   `json:"author_name,omitempty"`
	Body        string   `json:"body,omitempty"`
	IsDirect    bool     `json:"is_direct,omitempty"`
	MentionsBot bool     `json:"mentions_bot,omitempty"`
	Mentions    []string `json:"mentions,omitempty"`
	AuthorIsBot bool     `json:"author_is_bot,omitempty"`
	ChannelNSFW bool     `json:"channel_nsfw,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`

	// type == "image_regen" / "image_accept"
	UserID string `json:"user_id,omitempty"`
}

// outboundOp is one message operation sent to the connector.
type outboundOp struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text,omitempty"`
	ReplyToID string `json:"reply_to_id,omitempty"`
	Silent    bool   `json:"silent,omitempty"`
	Caption   string `json:"caption,omitempty"`
	ImagePNG  []byte `json:"image_png,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Gateway accepts connector websockets and adapts them to the
// chat.Messenger interface the delivery pipeline uses. With multiple
// connectors attached, operations go to all of them; the connector is
// responsible for deduplicating if it runs redundantly.
type Gateway struct {
	bot           *engine.Bot
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// New creates a Gateway serving the given bot.
func New(bot *engine.Bot, allowedOrigin string, isDev bool, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		bot:           bot,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
		conns:         make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.logger.Info("connector connection request", "ip", r.RemoteAddr)

	if !g.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Error("failed to accept websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			g.logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	g.register(ws)
	defer g.unregister(ws)

	g.readLoop(r.Context(), ws)
	g.logger.Info("connector disconnected", "ip", r.RemoteAddr)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || g.allowedOrigin == "*" {
		return true
	}
	if origin == g.allowedOrigin {
		return true
	}
	g.logger.Warn("websocket origin rejected", "origin", origin, "allowed", g.allowedOrigin)
	return false
}

func (g *Gateway) register(ws *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[ws] = struct{}{}
}

func (g *Gateway) unregister(ws *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, ws)
}

func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				g.logger.Debug("websocket closed by connector")
			} else if ctx.Err() == nil {
				g.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var ev inboundEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			g.logger.Warn("malformed connector event", "error", err)
			continue
		}
		g.dispatch(ws, ev)
	}
}

func (g *Gateway) dispatch(ws *websocket.Conn, ev inboundEvent) {
	switch ev.Type {
	case "message":
		g.bot.HandleMessage(messageEvent(ev))
	case "forget":
		g.bot.Forget(ev.ChannelID)
	case "image_regen":
		// Image rendering can take minutes; never hold up the read
		// loop waiting on it.
		go func() {
			if err := g.bot.RegenerateImage(ev.ChannelID, ev.MessageID, ev.UserID); err != nil {
				g.logger.Warn("image regeneration refused", "message_id", ev.MessageID, "error", err)
				g.send(ws, outboundOp{
					Type:      "error",
					ChannelID: ev.ChannelID,
					MessageID: ev.MessageID,
					Error:     err.Error(),
				})
			}
		}()
	case "image_accept":
		go func() {
			if err := g.bot.AcceptImage(ev.ChannelID, ev.MessageID, ev.UserID); err != nil {
				g.logger.Warn("image accept refused", "message_id", ev.MessageID, "error", err)
			}
		}()
	case "ping":
		g.send(ws, outboundOp{Type: "pong"})
	default:
		g.logger.Debug("ignoring unknown event type", "type", ev.Type)
	}
}

func messageEvent(ev inboundEvent) domain.MessageEvent {
	ts := time.Now()
	if ev.Timestamp > 0 {
		ts = time.Unix(ev.Timestamp, 0)
	}
	return domain.MessageEvent{
		MessageID:   ev.MessageID,
		ChannelID:   ev.ChannelID,
		ChannelName: ev.ChannelName,
		AuthorID:    ev.AuthorID,
		AuthorName:  ev.AuthorName,
		Body:        ev.Body,
		IsDirect:    ev.IsDirect,
		MentionsBot: ev.MentionsBot,
		Mentions:    ev.Mentions,
		AuthorIsBot: ev.AuthorIsBot,
		ChannelNSFW: ev.ChannelNSFW,
		Timestamp:   ts,
	}
}

func (g *Gateway) send(ws *websocket.Conn, op outboundOp) {
	data, err := json.Marshal(op)
	if err != nil {
		g.logger.Error("failed to encode outbound op", "error", err)
		return
	}
	if err := ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		g.logger.Debug("websocket write error", "error", err)
	}
}

// broadcast sends an operation to every attached connector.
func (g *Gateway) broadcast(ctx context.Context, op outboundOp) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}

	g.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(g.conns))
	for ws := range g.conns {
		conns = append(conns, ws)
	}
	g.mu.RUnlock()

	if len(conns) == 0 {
		return errNoConnector
	}

	var lastErr error
	sent := 0
	for _, ws := range conns {
		if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return lastErr
	}
	return nil
}

// CreateMessage posts a new message through the connector. The message
// ID is assigned here so delivery can refer to it immediately without
// a round trip.
func (g *Gateway) CreateMessage(ctx context.Context, channelID, text string, opts chat.CreateOptions) (string, error) {
	messageID := uuid.NewString()
	err := g.broadcast(ctx, outboundOp{
		Type:      "create",
		ChannelID: channelID,
		MessageID: messageID,
		Text:      text,
		ReplyToID: opts.ReplyToID,
		Silent:    opts.Silent,
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// EditMessage replaces the text of an existing message.
func (g *Gateway) EditMessage(ctx context.Context, channelID, messageID, text string) error {
	return g.broadcast(ctx, outboundOp{
		Type:      "edit",
		ChannelID: channelID,
		MessageID: messageID,
		Text:      text,
	})
}

// DeleteMessage removes a message.
func (g *Gateway) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return g.broadcast(ctx, outboundOp{
		Type:      "delete",
		ChannelID: channelID,
		MessageID: messageID,
	})
}

// CreateImageMessage posts a message with an attached PNG image.
// encoding/json encodes the image bytes as base64.
func (g *Gateway) CreateImageMessage(ctx context.Context, channelID, caption string, image []byte, opts chat.CreateOptions) (string, error) {
	messageID := uuid.NewString()
	err := g.broadcast(ctx, outboundOp{
		Type:      "image",
		ChannelID: channelID,
		MessageID: messageID,
		Caption:   caption,
		ImagePNG:  image,
		ReplyToID: opts.ReplyToID,
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}
