package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	console "github.com/phsym/console-slog"

	"github.com/MikeSquared-Agency/parley/internal/anthropic"
	"github.com/MikeSquared-Agency/parley/internal/api"
	"github.com/MikeSquared-Agency/parley/internal/auth"
	"github.com/MikeSquared-Agency/parley/internal/boltstore"
	"github.com/MikeSquared-Agency/parley/internal/config"
	"github.com/MikeSquared-Agency/parley/internal/conversation"
	"github.com/MikeSquared-Agency/parley/internal/gemini"
	"github.com/MikeSquared-Agency/parley/internal/groq"
	"github.com/MikeSquared-Agency/parley/internal/hermes"
	"github.com/MikeSquared-Agency/parley/internal/session"
	"github.com/MikeSquared-Agency/parley/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	slog.Info("parley starting", "port", cfg.Port, "provider", cfg.Provider, "store", cfg.Store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	var persist conversation.Persistence
	switch cfg.Store {
	case config.StoreBolt:
		db, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			slog.Error("failed to open bolt store", "path", cfg.BoltPath, "error", err)
			os.Exit(1)
		}
		defer db.Close()
		persist = db
		slog.Info("bolt store opened", "path", cfg.BoltPath)
	default:
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		persist = db
		slog.Info("database connected")
	}

	// Completion provider
	llm, err := newProvider(ctx, cfg)
	if err != nil {
		slog.Error("failed to create completion provider", "provider", cfg.Provider, "error", err)
		os.Exit(1)
	}

	opts := []session.Option{
		session.WithLogger(slog.Default()),
		session.WithNames(cfg.Provider, cfg.Store),
	}

	// NATS/Hermes (optional, events are dropped without it)
	if cfg.NatsURL != "" {
		hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hermesClient.Close()
		opts = append(opts, session.WithPublisher(hermesClient))
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS not configured, lifecycle events disabled")
	}

	sessions := session.NewManager(llm, persist, opts...)
	if cfg.SessionIdle > 0 {
		go sessions.RunEviction(ctx, time.Minute, cfg.SessionIdle)
	}

	// Identity
	var verifier auth.TokenVerifier
	if cfg.AuthEnabled() {
		v, err := auth.NewVerifier(ctx, cfg.GoogleJWKSURL, cfg.GoogleClientID, slog.Default())
		if err != nil {
			slog.Error("failed to load Google signing keys", "error", err)
			os.Exit(1)
		}
		defer v.Close()
		verifier = v
		slog.Info("google sign-in enabled", "client_id", cfg.GoogleClientID)
	} else {
		slog.Warn("auth disabled, owner taken from " + auth.OwnerHeader)
	}
	authn := auth.NewAuthenticator(verifier, slog.Default())

	// HTTP API
	srv := api.NewServer(cfg.Port, sessions, authn, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	slog.Info("parley ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.CompletionTimeout+5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	cancel()
	slog.Info("parley stopped")
}

func newProvider(ctx context.Context, cfg config.Config) (conversation.CompletionStream, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		c, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, "", cfg.CompletionTimeout)
		if err != nil {
			return nil, err
		}
		slog.Info("gemini client ready", "model", cfg.GeminiModel)
		return c, nil
	case config.ProviderAnthropic:
		slog.Info("anthropic client ready", "model", cfg.AnthropicModel)
		return anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.AnthropicMaxTokens, cfg.CompletionTimeout), nil
	default:
		slog.Info("groq client ready", "model", cfg.GroqModel)
		return groq.NewClient(cfg.GroqAPIKey, cfg.GroqModel, cfg.GroqBaseURL, cfg.CompletionTimeout), nil
	}
}

func setupLogging(level, format string) {
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

	var handler slog.Handler
	if format == "console" {
		handler = console.NewHandler(os.Stderr, &console.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}
