// Package config loads the billing service configuration from the
// environment, reading a .env file first when one is present.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	ErrMissingWebhookSecret = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrInvalidQuota         = errors.New("plan quota must not be negative")
	ErrInvalidDuration      = errors.New("duration must be positive")
)

// Config is the full configuration surface of the billing service.
type Config struct {
	Port      string `env:"BILLING_PORT" envDefault:"8090"`
	DBPath    string `env:"BILLING_DB_PATH" envDefault:"billing.db"`
	LogLevel  string `env:"BILLING_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"BILLING_LOG_FORMAT" envDefault:"text"`

	WebhookSecret  string        `env:"STRIPE_WEBHOOK_SECRET"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"5s"`
	EventRetention time.Duration `env:"EVENT_RETENTION" envDefault:"720h"`

	Plans PlansConfig

	PastDueGrace time.Duration `env:"PAST_DUE_GRACE" envDefault:"72h"`

	RedisURL         string `env:"REDIS_URL"`
	ServiceTokenHash string `env:"SERVICE_TOKEN_HASH"`
	CheckRateLimit   int    `env:"CHECK_RATE_LIMIT" envDefault:"600"`
}

// PlansConfig describes the two paid tiers and the implicit free tier.
// When File is set the YAML catalog replaces the env-defined tiers.
type PlansConfig struct {
	File            string `env:"BILLING_PLANS_FILE"`
	LitePriceID     string `env:"PLAN_LITE_PRICE_ID"`
	LiteQuota       int    `env:"PLAN_LITE_QUOTA" envDefault:"20"`
	StandardPriceID string `env:"PLAN_STANDARD_PRICE_ID"`
	StandardQuota   int    `env:"PLAN_STANDARD_QUOTA" envDefault:"50"`
	FreeQuota       int    `env:"FREE_TIER_QUOTA" envDefault:"5"`
}

// Load reads .env (if any) and parses the environment into a Config.
func Load() (Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()
	return Parse()
}

// Parse parses the current environment without touching .env files.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that struct tags cannot express.
func (c Config) Validate() error {
	if c.WebhookSecret == "" {
		return ErrMissingWebhookSecret
	}
	if c.Plans.LiteQuota < 0 || c.Plans.StandardQuota < 0 || c.Plans.FreeQuota < 0 {
		return ErrInvalidQuota
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT: %w", ErrInvalidDuration)
	}
	if c.EventRetention <= 0 {
		return fmt.Errorf("EVENT_RETENTION: %w", ErrInvalidDuration)
	}
	if c.PastDueGrace < 0 {
		return fmt.Errorf("PAST_DUE_GRACE: %w", ErrInvalidDuration)
	}
	return nil
}
