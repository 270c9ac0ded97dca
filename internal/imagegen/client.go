// Package imagegen produces images for "draw me a ..." style requests
// through an AUTOMATIC1111 Stable Diffusion server.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const txt2imgPath = "/sdapi/v1/txt2img"

var errNoImages = errors.New("txt2img response contained no images")

// ClientConfig holds configuration for the Stable Diffusion client.
type ClientConfig struct {
	// BaseURL is the server origin, e.g. http://localhost:7860.
	BaseURL string
	// ExtraPromptText is appended to every prompt, typically style
	// keywords.
	ExtraPromptText string
	// NegativePrompt is sent with safe-for-work requests.
	NegativePrompt string
	// NegativePromptNSFW replaces NegativePrompt when the requesting
	// channel is age restricted.
	NegativePromptNSFW string
	Steps              int
	Width              int
	Height             int
	RequestTimeout     time.Duration
}

// Client calls the AUTOMATIC1111 txt2img endpoint and returns PNG
// bytes. Requests are serialized by the server; we just wait.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Client. Zero-valued dimensions fall back to the
// server's usual 512x512 at 30 steps.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Steps <= 0 {
		cfg.Steps = 30
	}
	if cfg.Width <= 0 {
		cfg.Width = 512
	}
	if cfg.Height <= 0 {
		cfg.Height = 512
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}
}

type txt2imgRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Steps          int    `json:"steps"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	DoNotSaveGrid  bool   `json:"do_not_save_grid"`
	DoNotSaveSamps bool   `json:"do_not_save_samples"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

// GenerateImage renders prompt and returns the image as PNG bytes.
func (c *Client) GenerateImage(ctx context.Context, prompt string, nsfw bool) ([]byte, error) {
	if c.cfg.ExtraPromptText != "" {
		prompt += ", " + c.cfg.ExtraPromptText
	}
	negative := c.cfg.NegativePrompt
	if nsfw && c.cfg.NegativePromptNSFW != "" {
		negative = c.cfg.NegativePromptNSFW
	}

	body, err := json.Marshal(txt2imgRequest{
		Prompt:         prompt,
		NegativePrompt: negative,
		Steps:          c.cfg.Steps,
		Width:          c.cfg.Width,
		Height:         c.cfg.Height,
		DoNotSaveGrid:  true,
		DoNotSaveSamps: true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode txt2img request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+txt2imgPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build txt2img request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("txt2img request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close txt2img response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("txt2img returned status %d", resp.StatusCode)
	}

	var parsed txt2imgResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode txt2img response: %w", err)
	}
	if len(parsed.Images) == 0 {
		return nil, errNoImages
	}

	image, err := base64.StdEncoding.DecodeString(parsed.Images[0])
	if err != nil {
		return nil, fmt.Errorf("decode txt2img image data: %w", err)
	}

	c.logger.Debug("image generated",
		"bytes", len(image),
		"duration", time.Since(start),
		"nsfw", nsfw)
	return image, nil
}

// Ping verifies the server is reachable. Used at startup to fail fast
// on a bad endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/sdapi/v1/samplers", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stable diffusion not reachable at %s: %w", c.cfg.BaseURL, err)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		c.logger.Debug("failed to drain samplers response", "error", err)
	}
	if err := resp.Body.Close(); err != nil {
		c.logger.Debug("failed to close samplers response body", "error", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stable diffusion at %s returned status %d", c.cfg.BaseURL, resp.StatusCode)
	}
	return nil
}
