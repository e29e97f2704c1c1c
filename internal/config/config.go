// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
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

	// Auth
	TokenSecret string // HMAC-SHA256 secret for session tokens

	// Completion provider
	ProviderBaseURL   string
	ProviderModel     string
	ProviderAPIKeys   []string // key pool, one picked per request
	CompletionTimeout time.Duration
	HistoryLimit      int    // messages of context per completion call
	Persona           string // system prompt framing (optional, built-in default)

	// Turn settlement
	RateLimitWindow time.Duration // min gap between accepted turns per user
	ClockSkewGuard  time.Duration // stored timestamps further in the future are ignored

	// IP rate limiting
	RateLimitRPM   int
	RateLimitBurst int

	// Reconciliation sweep
	ReconcileInterval time.Duration

	// Admin API
	AdminSecret string

	// CORS
	AllowedOrigins []string // origins allowed to call the API from a browser

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultProviderBaseURL   = "https://api.openai.com/v1"
	DefaultProviderModel     = "gpt-4o-mini"
	DefaultCompletionTimeout = 45 * time.Second
	DefaultHistoryLimit      = 10
	DefaultRateLimitWindow   = 1500 * time.Millisecond
	DefaultClockSkewGuard    = 60 * time.Second
	DefaultRateLimitRPM      = 60
	DefaultRateLimitBurst    = 10
	DefaultReconcileInterval = 15 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		TokenSecret:       os.Getenv("TOKEN_SECRET"), // Required, no default
		ProviderBaseURL:   getEnv("PROVIDER_BASE_URL", DefaultProviderBaseURL),
		ProviderModel:     getEnv("PROVIDER_MODEL", DefaultProviderModel),
		ProviderAPIKeys:   splitList(os.Getenv("PROVIDER_API_KEYS")),
		CompletionTimeout: getEnvDuration("COMPLETION_TIMEOUT_SECONDS", time.Second, DefaultCompletionTimeout),
		HistoryLimit:      int(getEnvInt64("HISTORY_LIMIT", DefaultHistoryLimit)),
		Persona:           os.Getenv("PERSONA_PROMPT"),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW_MS", time.Millisecond, DefaultRateLimitWindow),
		ClockSkewGuard:    getEnvDuration("CLOCK_SKEW_GUARD_MS", time.Millisecond, DefaultClockSkewGuard),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL_MINUTES", time.Minute, DefaultReconcileInterval),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		AllowedOrigins:    splitList(os.Getenv("ALLOWED_ORIGINS")),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}

	if len(c.ProviderAPIKeys) == 0 {
		return fmt.Errorf("PROVIDER_API_KEYS is required (comma-separated list)")
	}

	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_MS must be positive")
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

func getEnvDuration(key string, unit time.Duration, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil && i > 0 {
			return time.Duration(i) * unit
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
