package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"gemini-relay-bot/internal/bot"
	"gemini-relay-bot/internal/config"
	"gemini-relay-bot/internal/monitor"
	"gemini-relay-bot/internal/service"
	"gemini-relay-bot/internal/storage"
)

func main() {
	// Health check flag for container probes
	if len(os.Args) > 1 && os.Args[1] == "--health-check" {
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	slog.Info("Gemini relay bot starting up...")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storageService := newStorageService(cfg)
	if err := storageService.Initialize(ctx); err != nil {
		slog.Error("Failed to initialize storage service", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := storageService.Close(); err != nil {
			slog.Error("Error closing storage service", "error", err)
		}
	}()
	slog.Info("Storage service initialized successfully", "database_type", cfg.DatabaseType)

	rateLimiter := monitor.NewUserRateLimiter(logger, cfg.RateLimitPerMinute, cfg.RateLimitPerDay)
	slog.Info("User rate limiter initialized",
		"minute_limit", cfg.RateLimitPerMinute,
		"day_limit", cfg.RateLimitPerDay)

	geminiService, err := service.NewGeminiService(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
	if err != nil {
		slog.Error("Failed to initialize AI service", "error", err)
		os.Exit(1)
	}
	geminiService.SetTimeout(cfg.RequestTimeout)

	var promptUpdater service.PromptUpdater
	if cfg.PromptRefreshEnabled {
		promptUpdater = service.NewHTTPPromptUpdater(service.PromptConfig{
			RemoteURL:       cfg.PromptRemoteURL,
			LocalFilePath:   cfg.PromptLocalPath,
			RefreshInterval: cfg.PromptRefreshInterval,
			Enabled:         true,
			HTTPTimeout:     30 * time.Second,
		}, logger)
		if err := promptUpdater.Start(ctx); err != nil {
			slog.Error("Failed to start system prompt refresh service", "error", err)
			os.Exit(1)
		}
		geminiService.SetSystemPromptSource(promptUpdater)
		slog.Info("System prompt refresh service started",
			"remote_url", cfg.PromptRemoteURL,
			"interval", cfg.PromptRefreshInterval)
	} else {
		slog.Info("System prompt refresh service disabled")
	}

	var aiService service.AIService = geminiService
	slog.Info("AI service initialized successfully",
		"model", cfg.GeminiModel,
		"provider", aiService.ProviderID())

	handler := bot.NewHandler(logger, aiService, storageService, rateLimiter, bot.HandlerConfig{
		MaxChainDepth:     cfg.MaxChainDepth,
		RequestTimeout:    cfg.RequestTimeout,
		AllowedChannelIDs: cfg.AllowedChannelIDs,
	})

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		slog.Error("Error creating Discord session", "error", err)
		os.Exit(1)
	}

	dg.AddHandler(ready)
	dg.AddHandler(handler.HandleMessageCreate)

	// Message content and mention parsing are required to read queries and
	// walk reply chains.
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent | discordgo.IntentsDirectMessages

	if err := dg.Open(); err != nil {
		slog.Error("Error opening Discord connection", "error", err)
		os.Exit(1)
	}

	if cfg.StatusUpdateEnabled {
		statusManager := bot.NewDiscordStatusManager(dg, logger)
		statusManager.SetDebounceInterval(cfg.StatusUpdateInterval)
		handler.SetStatusManager(statusManager)

		if err := statusManager.SetOnline("API: Ready"); err != nil {
			slog.Warn("Failed to set initial Discord status", "error", err)
		} else {
			slog.Info("Status management initialized successfully",
				"debounce_interval", cfg.StatusUpdateInterval)
		}
	} else {
		slog.Info("Status management disabled by configuration")
	}

	slog.Info("Starting message recovery process", "recovery_window_minutes", cfg.RecoveryWindowMinutes)
	if err := handler.RecoverMissedMessages(dg, cfg.RecoveryWindowMinutes); err != nil {
		slog.Warn("Message recovery completed with errors", "error", err)
	} else {
		slog.Info("Message recovery completed successfully")
	}

	slog.Info("Bot is now running. Press CTRL+C to exit.")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)

	select {
	case <-sc:
		slog.Info("Shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)

		if promptUpdater != nil {
			if err := promptUpdater.Stop(); err != nil {
				slog.Error("Error stopping system prompt refresh service", "error", err)
			}
		}

		if err := dg.Close(); err != nil {
			slog.Error("Error during Discord session cleanup", "error", err)
		} else {
			slog.Info("Discord session closed successfully")
		}
	}()

	select {
	case <-done:
		slog.Info("Bot shutdown completed successfully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, forcing exit")
	}
}

// newStorageService selects the storage backend from configuration.
func newStorageService(cfg *config.Config) storage.StorageService {
	if cfg.DatabaseType == "mysql" {
		return storage.NewMySQLStorageService(storage.MySQLConfig{
			Host:     cfg.MySQLHost,
			Port:     cfg.MySQLPort,
			Database: cfg.MySQLDatabase,
			Username: cfg.MySQLUsername,
			Password: cfg.MySQLPassword,
			Timeout:  10 * time.Second,
		})
	}
	return storage.NewSQLiteStorageService(cfg.DatabasePath)
}

// ready is called when the bot connects and is ready.
func ready(s *discordgo.Session, event *discordgo.Ready) {
	if err := s.UpdateGameStatus(0, "Ask me anything"); err != nil {
		slog.Error("Error setting bot status", "error", err)
		return
	}

	slog.Info("Bot connected successfully",
		"username", event.User.Username,
		"status", "Online")
}
