package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MikeSquared-Agency/vibereport/internal/api"
	"github.com/MikeSquared-Agency/vibereport/internal/batcher"
	"github.com/MikeSquared-Agency/vibereport/internal/config"
	"github.com/MikeSquared-Agency/vibereport/internal/credit"
	"github.com/MikeSquared-Agency/vibereport/internal/generate"
	"github.com/MikeSquared-Agency/vibereport/internal/notify"
	"github.com/MikeSquared-Agency/vibereport/internal/payments"
	slackalert "github.com/MikeSquared-Agency/vibereport/internal/slack"
	"github.com/MikeSquared-Agency/vibereport/internal/store"
	"github.com/MikeSquared-Agency/vibereport/internal/usage"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("vibereport starting",
		"port", cfg.Port,
		"nats_url", cfg.NatsURL,
		"model", cfg.GenerationModel,
		"flush_interval", cfg.BatchFlushInterval,
		"flush_threshold", cfg.BatchFlushThreshold,
		"buffer_max", cfg.BufferMaxSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Connect to database.
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database connected")

	// Step 2: Initialize the usage processor and batcher.
	usageProc := usage.NewProcessor(db)
	bat := batcher.New(db, usageProc, batcher.Config{
		FlushInterval:  cfg.BatchFlushInterval,
		FlushThreshold: cfg.BatchFlushThreshold,
		BufferMax:      cfg.BufferMaxSize,
	})
	bat.Start(ctx)

	// Step 3: Credit ledger, emitting audit events through the batcher.
	ledger := credit.NewLedger(db, bat)

	// Step 4: Generation client.
	gen, err := generate.NewClient(generate.Config{
		APIKey:    cfg.OpenAIAPIKey,
		BaseURL:   cfg.OpenAIBaseURL,
		Model:     cfg.GenerationModel,
		MaxTokens: cfg.GenerationMaxTokens,
	})
	if err != nil {
		slog.Error("failed to initialize generation client", "error", err)
		os.Exit(1)
	}

	// Step 5: Stripe checkout and webhook.
	checkout := payments.NewCheckoutService(payments.CheckoutConfig{
		SecretKey:   cfg.StripeSecretKey,
		AppOrigin:   cfg.AppOrigin,
		PriceSmall:  cfg.StripePriceSmall,
		PriceMedium: cfg.StripePriceMedium,
		PriceLarge:  cfg.StripePriceLarge,
	})
	webhook := payments.NewWebhookHandler(cfg.StripeWebhookSecret, cfg.AppOrigin, ledger, db)
	webhook.SetEventSink(bat)

	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		alerter := slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel)
		webhook.SetAlertFunc(alerter.PostUnresolvedPaymentAlert)
		slog.Info("Slack payment alerter enabled", "channel", cfg.SlackAlertChannel)
	}

	// Step 6: HTTP API.
	srv := api.NewServer(db, ledger, bat, gen, checkout, webhook, api.Options{
		Port:           cfg.Port,
		InitialCredits: cfg.InitialCredits,
		AppOrigin:      cfg.AppOrigin,
	})

	// Step 7: Connect to NATS for notifications (optional).
	var pub *notify.Publisher
	if cfg.NatsURL != "" {
		pub, err = notify.New(cfg.NatsURL)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer pub.Close()

		bat.SetNATSPublisher(pub.Publish)
		webhook.SetNATSPublisher(pub.Publish)
		srv.SetNATSPublisher(pub.Publish)
		pub.AnnounceStarted("vibereport")
		slog.Info("NATS notifications enabled")
	}

	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("vibereport ready", "port", cfg.Port)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig)
	cancel()
	bat.Wait()
	slog.Info("vibereport stopped")
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
