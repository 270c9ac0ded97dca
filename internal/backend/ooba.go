package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const streamPath = "/api/v1/stream"

var (
	errStreamEvent = errors.New("unexpected stream event")
	errNotReady    = errors.New("generation service not ready")
)

// OobaClient streams completions from an oobabooga text-generation-webui
// instance over its websocket streaming API. Each request opens a fresh
// connection; the server closes it after stream_end.
type OobaClient struct {
	baseURL   string
	params    map[string]any
	stopWords []string
	logger    *slog.Logger
}

// OobaClientConfig holds configuration for the streaming client.
type OobaClientConfig struct {
	// BaseURL is the websocket origin, e.g. ws://localhost:5005.
	BaseURL string
	// ParamOverrides are merged onto the default request parameters.
	ParamOverrides map[string]any
	// StopWords are sent as stopping_strings so the model halts at the
	// transcript markers instead of generating past them.
	StopWords      []string
	ConnectTimeout time.Duration
}

// NewOobaClient creates a client and dials the service once so a bad
// endpoint fails at startup rather than on the first user message.
func NewOobaClient(cfg OobaClientConfig, logger *slog.Logger) (*OobaClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	params := mergeParams(defaultRequestParams(), cfg.ParamOverrides)
	if len(cfg.StopWords) > 0 {
		params["stopping_strings"] = cfg.StopWords
	}

	c := &OobaClient{
		baseURL:   cfg.BaseURL,
		params:    params,
		stopWords: cfg.StopWords,
		logger:    logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v", errNotReady, cfg.BaseURL, err)
	}
	if err := conn.Close(websocket.StatusNormalClosure, "readiness check"); err != nil {
		logger.Debug("failed to close readiness connection", "error", err)
	}

	logger.Info("connected to generation service", "base_url", cfg.BaseURL)
	return c, nil
}

func (c *OobaClient) streamURL() string {
	return c.baseURL + streamPath
}

// streamEvent is one frame of the oobabooga streaming protocol.
type streamEvent struct {
	Event string `json:"event"`
	Text  string `json:"text"`
}

// Generate sends the prompt and yields text fragments as they arrive.
func (c *OobaClient) Generate(ctx context.Context, prompt string, overrides map[string]any) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		conn, _, err := websocket.Dial(ctx, c.streamURL(), nil)
		if err != nil {
			yield("", fmt.Errorf("dial generation service: %w", err))
			return
		}
		defer func() {
			if closeErr := conn.Close(websocket.StatusNormalClosure, "done"); closeErr != nil {
				c.logger.Debug("failed to close stream connection", "error", closeErr)
			}
		}()

		request := mergeParams(c.params, overrides)
		request["prompt"] = prompt

		payload, err := json.Marshal(request)
		if err != nil {
			yield("", fmt.Errorf("encode generation request: %w", err))
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			yield("", fmt.Errorf("send generation request: %w", err))
			return
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return
				}
				yield("", fmt.Errorf("generation stream read: %w", err))
				return
			}

			var ev streamEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				yield("", fmt.Errorf("decode stream event: %w", err))
				return
			}

			switch ev.Event {
			case "text_stream":
				if !yield(ev.Text, nil) {
					return
				}
			case "stream_end":
				return
			default:
				yield("", fmt.Errorf("%w: %q", errStreamEvent, ev.Event))
				return
			}
		}
	}
}
