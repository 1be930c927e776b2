// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (in-memory stores if empty)
	RedisURL    string // Idempotency cache (in-memory if empty)

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector; tracing disabled if empty

	// Order policy
	ReservationWindow time.Duration
	FeeRate           decimal.Decimal

	// Background work
	OverdueSweepInterval time.Duration
	IdempotencyTTL       time.Duration

	// Rate limiting
	RateLimitRPM   int
	RateLimitBurst int

	// CORS
	AllowedOrigins []string
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultReservationWindow    = 48 * time.Hour
	DefaultFeeRate              = "0.05"
	DefaultOverdueSweepInterval = 5 * time.Minute
	DefaultIdempotencyTTL       = 24 * time.Hour
	DefaultRateLimitRPM         = 120
	DefaultRateLimitBurst       = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	feeRate, err := decimal.NewFromString(getEnv("RESERVATION_FEE_RATE", DefaultFeeRate))
	if err != nil {
		return nil, fmt.Errorf("RESERVATION_FEE_RATE: %w", err)
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReservationWindow:    getEnvDuration("RESERVATION_WINDOW", DefaultReservationWindow),
		FeeRate:              feeRate,
		OverdueSweepInterval: getEnvDuration("OVERDUE_SWEEP_INTERVAL", DefaultOverdueSweepInterval),
		IdempotencyTTL:       getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:       int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		AllowedOrigins:       splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.ReservationWindow <= 0 {
		return fmt.Errorf("RESERVATION_WINDOW must be positive, got %s", c.ReservationWindow)
	}
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("RESERVATION_FEE_RATE must be in [0, 1), got %s", c.FeeRate)
	}
	if c.OverdueSweepInterval <= 0 {
		return fmt.Errorf("OVERDUE_SWEEP_INTERVAL must be positive")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
