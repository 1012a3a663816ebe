// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Security
	AdminSecret         string // Admin API secret
	StripeWebhookSecret string
	RateLimitRPS        int

	// Transfer rate limiting (per-account, enforced in the ledger commit)
	TransferRateMax    int
	TransferRateWindow time.Duration

	// Reconciliation thresholds
	ReconcileInterval  time.Duration
	StaleCreatedAge    time.Duration
	StuckPaidAge       time.Duration
	StuckSettledAge    time.Duration
	ReconcileAutomatic bool

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector address (optional)
}

// Defaults
const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRateLimit = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		TransferRateMax:     int(getEnvInt64("TRANSFER_RATE_MAX", 30)),
		TransferRateWindow:  getEnvDuration("TRANSFER_RATE_WINDOW", 60*time.Second),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		StaleCreatedAge:     getEnvDuration("RECONCILE_STALE_CREATED_AGE", time.Hour),
		StuckPaidAge:        getEnvDuration("RECONCILE_STUCK_PAID_AGE", time.Hour),
		StuckSettledAge:     getEnvDuration("RECONCILE_STUCK_SETTLED_AGE", 24*time.Hour),
		ReconcileAutomatic:  getEnv("RECONCILE_AUTOMATIC", "true") == "true",
		OTLPEndpoint:        os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}
	if c.TransferRateMax <= 0 {
		return fmt.Errorf("TRANSFER_RATE_MAX must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
