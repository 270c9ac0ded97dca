// Parley - chat bot bridge to a text generation backend
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/jmatts/parley/internal/api"
	"github.com/jmatts/parley/internal/backend"
	"github.com/jmatts/parley/internal/config"
	"github.com/jmatts/parley/internal/decide"
	"github.com/jmatts/parley/internal/engine"
	"github.com/jmatts/parley/internal/gateway"
	"github.com/jmatts/parley/internal/history"
	"github.com/jmatts/parley/internal/imagegen"
	"github.com/jmatts/parley/internal/middleware"
	"github.com/jmatts/parley/internal/persona"
	"github.com/jmatts/parley/internal/prompt"
	"github.com/jmatts/parley/internal/repetition"
	"github.com/jmatts/parley/internal/stats"
	"github.com/jmatts/parley/internal/store"
)

const responseRetention = 30 * 24 * time.Hour

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting parleyd", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	if pruned, err := repo.PruneResponses(context.Background(), responseRetention); err != nil {
		slog.Warn("Failed to prune old response records", "error", err)
	} else if pruned > 0 {
		slog.Info("Pruned old response records", "count", pruned)
	}

	pers, err := persona.New(cfg.AIName, cfg.PersonaText, cfg.Wakewords, cfg.PersonaFile, logger)
	if err != nil {
		slog.Error("Failed to load persona", "error", err)
		os.Exit(1)
	}
	slog.Info("Persona loaded", "ai_name", pers.AIName)

	decider, err := decide.New(decide.Config{
		BotUserID:             cfg.BotUserID,
		IgnoreDMs:             cfg.IgnoreDMs,
		DisableUnsolicited:    cfg.DisableUnsolicited,
		UnsolicitedChannelCap: cfg.UnsolicitedChannelCap,
		InterrobangBonus:      cfg.InterrobangBonus,
		Calibration:           cfg.Calibration,
	}, pers, logger)
	if err != nil {
		slog.Error("Failed to initialize decision engine", "error", err)
		os.Exit(1)
	}

	// Seed last-post times so unsolicited replies survive restarts.
	activity, err := repo.ListChannelActivity(context.Background())
	if err != nil {
		slog.Error("Failed to load channel activity", "error", err)
		os.Exit(1)
	}
	decider.SeedActivity(activity)
	slog.Info("Channel activity seeded", "channels", len(activity))

	generator, err := backend.NewOobaClient(backend.OobaClientConfig{
		BaseURL:        cfg.OobaBaseURL,
		ParamOverrides: cfg.ParamOverride,
		StopWords:      cfg.StopMarkers,
	}, logger)
	if err != nil {
		slog.Error("Failed to connect to generation backend", "error", err)
		os.Exit(1)
	}

	aggregate := stats.NewAggregate()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Image generation is optional.
	var (
		imageClient *imagegen.Client
		imageDetect *imagegen.Detector
		regen       *imagegen.RegenTracker
	)
	if cfg.SDBaseURL != "" {
		imageClient = imagegen.NewClient(imagegen.ClientConfig{
			BaseURL:            cfg.SDBaseURL,
			ExtraPromptText:    cfg.SDExtraPrompt,
			NegativePrompt:     cfg.SDNegativePrompt,
			NegativePromptNSFW: cfg.SDNegativePromptNSFW,
			Steps:              cfg.SDSteps,
			Width:              cfg.SDWidth,
			Height:             cfg.SDHeight,
			RequestTimeout:     cfg.SDTimeout,
		}, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := imageClient.Ping(pingCtx)
		cancel()
		if err != nil {
			slog.Error("Stable Diffusion health check failed", "error", err)
			os.Exit(1)
		}
		imageDetect = imagegen.NewDetector(cfg.ImageWords)
		slog.Info("Image generation enabled", "base_url", cfg.SDBaseURL, "image_words", cfg.ImageWords)
	} else {
		slog.Info("Image generation disabled (SD_BASE_URL not set)")
	}

	bot := engine.New(engine.Config{
		AIName:             pers.AIName,
		StopMarkers:        cfg.StopMarkers,
		SplitDisabled:      cfg.SplitDisabled,
		StreamResponses:    cfg.StreamResponses,
		StreamEditInterval: cfg.StreamEditInterval,
	}, engine.Deps{
		Decider:     decider,
		Builder:     prompt.NewBuilder(pers, cfg.TruncationTokens, logger),
		History:     history.NewStore(cfg.HistoryLines),
		Guard:       repetition.NewGuard(cfg.RepetitionThreshold),
		Generator:   generator,
		Repo:        repo,
		Stats:       aggregate,
		ImageClient: imageClient,
		ImageDetect: imageDetect,
	}, logger)

	gw := gateway.New(bot, cfg.AllowedOrig, cfg.IsDevelopment(), logger)
	bot.AttachMessenger(gw)
	bot.Start(ctx)

	if imageClient != nil {
		regen = imagegen.NewRegenTracker(cfg.RegenWindow, func(channelID, messageID string) {
			expireCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := gw.DeleteMessage(expireCtx, channelID, messageID); err != nil {
				slog.Debug("Failed to delete expired image message", "error", err)
			}
		}, logger)
		regen.StartSweeper(ctx)
		bot.AttachRegen(regen)
	}

	handler := api.NewHandler(repo, aggregate)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{cfg.AllowedOrig}))

	handler.RegisterRoutes(r)

	// WebSocket endpoint for the platform connector.
	r.Get("/ws/gateway", gw.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websocket connections
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	bot.Shutdown()
	aggregate.LogSummary(logger)

	slog.Info("Server stopped successfully")
}
