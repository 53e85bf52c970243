package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                int
	DatabaseURL         string
	NatsURL             string
	LogLevel            string
	AppOrigin           string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	GenerationModel     string
	GenerationMaxTokens int
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceSmall    string
	StripePriceMedium   string
	StripePriceLarge    string
	InitialCredits      int
	BatchFlushInterval  time.Duration
	BatchFlushThreshold int
	BufferMaxSize       int
	SlackBotToken       string
	SlackAlertChannel   string
}

func Load() Config {
	return Config{
		Port:                envInt("VIBEREPORT_PORT", 8600),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		NatsURL:             envStr("NATS_URL", ""),
		LogLevel:            envStr("LOG_LEVEL", "info"),
		AppOrigin:           envStr("APP_ORIGIN", "http://localhost:3000"),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       envStr("OPENAI_BASE_URL", ""),
		GenerationModel:     envStr("GENERATION_MODEL", "gpt-4o"),
		GenerationMaxTokens: envInt("GENERATION_MAX_TOKENS", 6000),
		StripeSecretKey:     envStr("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: envStr("STRIPE_WEBHOOK_SECRET", ""),
		StripePriceSmall:    envStr("STRIPE_PRICE_SMALL", ""),
		StripePriceMedium:   envStr("STRIPE_PRICE_MEDIUM", ""),
		StripePriceLarge:    envStr("STRIPE_PRICE_LARGE", ""),
		InitialCredits:      envInt("INITIAL_CREDITS", 2),
		BatchFlushInterval:  time.Duration(envInt("BATCH_FLUSH_INTERVAL_MS", 5000)) * time.Millisecond,
		BatchFlushThreshold: envInt("BATCH_FLUSH_THRESHOLD", 100),
		BufferMaxSize:       envInt("BUFFER_MAX_SIZE", 10000),
		SlackBotToken:       envStr("SLACK_BOT_TOKEN", ""),
		SlackAlertChannel:   envStr("SLACK_ALERT_CHANNEL", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
