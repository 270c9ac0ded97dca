// Package config provides application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jmatts/parley/internal/decide"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	DBPath      string
	AllowedOrig string

	// Generation backend.
	OobaBaseURL   string
	ParamOverride map[string]any // user overrides for request params, whitelist-checked downstream

	// Image generation (optional, disabled when URL is empty).
	SDBaseURL            string
	SDExtraPrompt        string
	SDNegativePrompt     string
	SDNegativePromptNSFW string
	SDSteps              int
	SDWidth              int
	SDHeight             int
	SDTimeout            time.Duration
	ImageWords           []string
	RegenWindow          time.Duration

	// Persona.
	AIName      string
	PersonaText string
	PersonaFile string
	Wakewords   []string

	// Response decision.
	BotUserID             string
	IgnoreDMs             bool
	DisableUnsolicited    bool
	UnsolicitedChannelCap int
	InterrobangBonus      float64
	Calibration           decide.Calibration

	// Prompt assembly.
	HistoryLines     int
	TruncationTokens int

	// Streaming and delivery.
	StopMarkers         []string
	SplitDisabled       bool
	StreamResponses     bool
	StreamEditInterval  time.Duration
	RepetitionThreshold int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DBPath:      getEnv("DB_PATH", "./data/parley.db"),
		AllowedOrig: getEnv("ALLOWED_ORIGIN", "*"),

		OobaBaseURL: getEnv("OOBA_BASE_URL", "ws://localhost:5005"),

		SDBaseURL:            getEnv("SD_BASE_URL", ""),
		SDExtraPrompt:        getEnv("SD_EXTRA_PROMPT", ""),
		SDNegativePrompt:     getEnv("SD_NEGATIVE_PROMPT", "animal harm, suicide, loli, nsfw"),
		SDNegativePromptNSFW: getEnv("SD_NEGATIVE_PROMPT_NSFW", "animal harm, suicide, loli"),
		SDSteps:              getEnvInt("SD_STEPS", 30),
		SDWidth:              getEnvInt("SD_WIDTH", 512),
		SDHeight:             getEnvInt("SD_HEIGHT", 512),
		SDTimeout:            getEnvDuration("SD_REQUEST_TIMEOUT", 2*time.Minute),
		ImageWords:           getEnvList("IMAGE_WORDS", []string{"draw me", "drawing", "photo", "pic", "picture", "image", "sketch"}),
		RegenWindow:          getEnvDuration("IMAGE_REGEN_WINDOW", 3*time.Minute),

		AIName:      getEnv("AI_NAME", "parley"),
		PersonaText: getEnv("PERSONA", ""),
		PersonaFile: getEnv("PERSONA_FILE", ""),
		Wakewords:   getEnvList("WAKEWORDS", []string{"parley"}),

		BotUserID:             getEnv("BOT_USER_ID", ""),
		IgnoreDMs:             getEnvBool("IGNORE_DMS", false),
		DisableUnsolicited:    getEnvBool("DISABLE_UNSOLICITED_REPLIES", false),
		UnsolicitedChannelCap: getEnvInt("UNSOLICITED_CHANNEL_CAP", 3),
		InterrobangBonus:      getEnvFloat("INTERROBANG_BONUS", 0.3),

		HistoryLines:     getEnvInt("HISTORY_LINES", 7),
		TruncationTokens: getEnvInt("TRUNCATION_TOKENS", 730),

		StopMarkers:         []string{"### End of Transcript ###<|endoftext|>", "<|endoftext|>"},
		SplitDisabled:       getEnvBool("DONT_SPLIT_RESPONSES", false),
		StreamResponses:     getEnvBool("STREAM_RESPONSES", false),
		StreamEditInterval:  getEnvDuration("STREAM_EDIT_INTERVAL", 700*time.Millisecond),
		RepetitionThreshold: getEnvInt("REPETITION_THRESHOLD", 2),
	}

	if raw, ok := os.LookupEnv("STOP_MARKERS"); ok {
		markers, err := parseStopMarkers(raw)
		if err != nil {
			return nil, fmt.Errorf("STOP_MARKERS: %w", err)
		}
		cfg.StopMarkers = markers
	}

	if raw, ok := os.LookupEnv("RESPONSE_CHANCE_TABLE"); ok {
		table, err := decide.ParseCalibration(raw)
		if err != nil {
			return nil, fmt.Errorf("RESPONSE_CHANCE_TABLE: %w", err)
		}
		cfg.Calibration = table
	} else {
		cfg.Calibration = decide.DefaultCalibration()
	}

	if raw, ok := os.LookupEnv("OOBA_REQUEST_PARAMS"); ok {
		overrides := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			return nil, fmt.Errorf("OOBA_REQUEST_PARAMS: %w", err)
		}
		cfg.ParamOverride = overrides
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are usable.
// The process refuses to start rather than run with undefined decision
// behavior.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.OobaBaseURL == "" {
		return fmt.Errorf("OOBA_BASE_URL cannot be empty")
	}
	if err := c.Calibration.Validate(); err != nil {
		return fmt.Errorf("RESPONSE_CHANCE_TABLE: %w", err)
	}
	for _, marker := range c.StopMarkers {
		if marker == "" {
			return fmt.Errorf("STOP_MARKERS cannot contain empty strings")
		}
	}
	if c.InterrobangBonus < 0 || c.InterrobangBonus > 1 {
		return fmt.Errorf("INTERROBANG_BONUS must be within [0,1]")
	}
	if c.UnsolicitedChannelCap < 0 {
		return fmt.Errorf("UNSOLICITED_CHANNEL_CAP must be >= 0")
	}
	if c.HistoryLines <= 0 {
		return fmt.Errorf("HISTORY_LINES must be > 0")
	}
	if c.TruncationTokens <= 0 {
		return fmt.Errorf("TRUNCATION_TOKENS must be > 0")
	}
	if c.StreamEditInterval <= 0 {
		return fmt.Errorf("STREAM_EDIT_INTERVAL must be > 0")
	}
	if c.RepetitionThreshold < 1 {
		return fmt.Errorf("REPETITION_THRESHOLD must be >= 1")
	}
	if c.RegenWindow <= 0 {
		return fmt.Errorf("IMAGE_REGEN_WINDOW must be > 0")
	}
	if c.SDBaseURL != "" {
		if c.SDSteps <= 0 || c.SDWidth <= 0 || c.SDHeight <= 0 {
			return fmt.Errorf("SD_STEPS, SD_WIDTH and SD_HEIGHT must be > 0")
		}
		if c.SDTimeout <= 0 {
			return fmt.Errorf("SD_REQUEST_TIMEOUT must be > 0")
		}
	}
	return nil
}

// parseStopMarkers reads the STOP_MARKERS value either as a JSON array
// of strings or as one marker per line. Markers routinely contain
// characters like "|" and ",", so no single-character list separator is
// safe here; a value that parses to no usable markers is a startup
// error, never a silent fallback.
func parseStopMarkers(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("value is empty")
	}

	if strings.HasPrefix(trimmed, "[") {
		var markers []string
		if err := json.Unmarshal([]byte(trimmed), &markers); err != nil {
			return nil, fmt.Errorf("malformed JSON array: %w", err)
		}
		if len(markers) == 0 {
			return nil, fmt.Errorf("JSON array is empty")
		}
		for _, marker := range markers {
			if marker == "" {
				return nil, fmt.Errorf("JSON array contains an empty marker")
			}
		}
		return markers, nil
	}

	var markers []string
	for _, line := range strings.Split(trimmed, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			markers = append(markers, line)
		}
	}
	if len(markers) == 0 {
		return nil, fmt.Errorf("value contains no markers")
	}
	return markers, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.AllowedOrig == "*" ||
		strings.Contains(c.AllowedOrig, "localhost") ||
		strings.Contains(c.AllowedOrig, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	return getEnvListSep(key, ",", fallback)
}

func getEnvListSep(key, sep string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
