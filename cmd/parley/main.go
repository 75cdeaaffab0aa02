package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/parley/internal/api"
	"github.com/MikeSquared-Agency/parley/internal/attachment"
	"github.com/MikeSquared-Agency/parley/internal/config"
	"github.com/MikeSquared-Agency/parley/internal/conversation"
	"github.com/MikeSquared-Agency/parley/internal/discord"
	"github.com/MikeSquared-Agency/parley/internal/hermes"
	"github.com/MikeSquared-Agency/parley/internal/ollama"
	"github.com/MikeSquared-Agency/parley/internal/responder"
	"github.com/MikeSquared-Agency/parley/internal/session"
	"github.com/MikeSquared-Agency/parley/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("parley starting", "port", cfg.Port, "model", cfg.OllamaModel, "scope", cfg.ConversationScope)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Discord
	if cfg.DiscordToken == "" {
		slog.Error("DISCORD_TOKEN is required")
		os.Exit(1)
	}
	dc := discord.NewClient(cfg.DiscordToken, cfg.DiscordAPIURL, slog.Default())
	dc.SetMaxFetchSize(cfg.MaxFileSize)
	me, err := dc.CurrentUser(ctx)
	if err != nil {
		slog.Error("failed to identify bot user", "error", err)
		os.Exit(1)
	}
	slog.Info("logged in", "user", me.Username, "user_id", me.ID)

	// Database (optional: turns are archived only when configured)
	var db *store.Store
	if cfg.DatabaseURL != "" {
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		slog.Info("database connected")
	} else {
		slog.Warn("DATABASE_URL not set, running without turn archive")
	}

	// Ollama
	llm := ollama.NewClient(cfg.OllamaURL, cfg.OllamaModel)
	slog.Info("ollama client ready", "url", cfg.OllamaURL, "model", llm.Model(), "timeout", cfg.RequestTimeout)

	// NATS/Hermes
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer hermesClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	registry := conversation.NewRegistry(cfg.SystemPrompt, cfg.MaxLogSize)

	opts := session.Options{
		Registry:      registry,
		Ingester:      attachment.NewIngester(dc, cfg.MaxFileSize, cfg.MaxTextSize),
		Responder:     responder.New(llm, cfg.Temperature, cfg.RequestTimeout, slog.Default()),
		Transport:     dc,
		Publisher:     hermesClient,
		Logger:        slog.Default(),
		BotUserID:     me.ID,
		CommandPrefix: cfg.CommandPrefix,
		Scope:         cfg.ConversationScope,
	}
	var turns api.TurnLister
	if db != nil {
		opts.Archive = db
		turns = db
	}
	ctrl := session.New(opts)

	if err := hermesClient.Subscribe(cfg.EventsSubject, ctrl.Handler(ctx)); err != nil {
		slog.Error("failed to subscribe to message events", "subject", cfg.EventsSubject, "error", err)
		os.Exit(1)
	}

	if cfg.ChangeNickname {
		n := session.SyncNicknames(ctx, dc, cfg.OllamaModel, slog.Default())
		slog.Info("nickname sync finished", "guilds", n)
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.APIToken, cfg.OllamaModel, registry, ctrl, turns)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	if err := hermesClient.Publish(hermes.SubjectRegistered, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"port":      cfg.Port,
		"model":     cfg.OllamaModel,
		"bot_user":  me.ID,
	}); err != nil {
		slog.Warn("failed to publish registration", "error", err)
	}

	slog.Info("parley ready", "subject", cfg.EventsSubject)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	// Let the turn in progress reach the model timeout and deliver its reply.
	if err := hermesClient.Drain(cfg.RequestTimeout + 15*time.Second); err != nil {
		slog.Warn("NATS drain failed", "error", err)
	}
	cancel()
	slog.Info("parley stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
