// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/cryptoguard/internal/scoring"
	"github.com/mbd888/cryptoguard/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Model
	ModelPath  string // Path to the classifier bundle JSON
	Thresholds scoring.Thresholds
	TopFactors int

	// Upstream transaction provider
	ProviderURL     string
	ProviderTimeout time.Duration
	ProviderRetries int

	// Result cache
	CacheTTL        time.Duration
	CacheMaxEntries int

	// Batch scoring
	BatchMaxSize     int
	BatchConcurrency int

	// Watchlist
	WatchlistPath string // Optional JSON file merged over the built-in list

	// Security
	AdminSecret  string // Authenticates POST /model/reload
	RateLimitRPM int
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultModelPath        = "models/fraud_bundle.json"
	DefaultProviderTimeout  = 5 * time.Second
	DefaultProviderRetries  = 3
	DefaultCacheTTL         = 5 * time.Minute
	DefaultCacheMaxEntries  = 10000
	DefaultBatchMaxSize     = 50
	DefaultBatchConcurrency = 8
	DefaultRateLimitRPM     = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	thresholds, err := parseThresholds(os.Getenv("RISK_THRESHOLDS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ModelPath:        getEnv("MODEL_PATH", DefaultModelPath),
		Thresholds:       thresholds,
		TopFactors:       int(getEnvInt64("TOP_FACTORS", int64(scoring.DefaultTopFactors))),
		ProviderURL:      os.Getenv("PROVIDER_URL"),
		ProviderTimeout:  time.Duration(getEnvInt64("PROVIDER_TIMEOUT_MS", DefaultProviderTimeout.Milliseconds())) * time.Millisecond,
		ProviderRetries:  int(getEnvInt64("PROVIDER_RETRIES", DefaultProviderRetries)),
		CacheTTL:         time.Duration(getEnvInt64("CACHE_TTL_SECONDS", int64(DefaultCacheTTL.Seconds()))) * time.Second,
		CacheMaxEntries:  int(getEnvInt64("CACHE_MAX_ENTRIES", DefaultCacheMaxEntries)),
		BatchMaxSize:     int(getEnvInt64("BATCH_MAX_SIZE", DefaultBatchMaxSize)),
		BatchConcurrency: int(getEnvInt64("BATCH_CONCURRENCY", DefaultBatchConcurrency)),
		WatchlistPath:    os.Getenv("WATCHLIST_PATH"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("MODEL_PATH is required")
	}

	if c.ProviderURL == "" {
		return fmt.Errorf("PROVIDER_URL is required")
	}
	if c.IsProduction() {
		if err := security.ValidateEndpointURL(c.ProviderURL); err != nil {
			return fmt.Errorf("PROVIDER_URL: %w", err)
		}
	}

	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("RISK_THRESHOLDS: %w", err)
	}

	if c.BatchMaxSize <= 0 {
		return fmt.Errorf("BATCH_MAX_SIZE must be positive")
	}
	if c.BatchConcurrency <= 0 {
		return fmt.Errorf("BATCH_CONCURRENCY must be positive")
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be positive")
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

// parseThresholds parses "medium,high" probability cut points, e.g. "0.33,0.67".
func parseThresholds(raw string) (scoring.Thresholds, error) {
	if raw == "" {
		return scoring.DefaultThresholds(), nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return scoring.Thresholds{}, fmt.Errorf("RISK_THRESHOLDS must be two comma-separated probabilities, got %q", raw)
	}
	medium, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return scoring.Thresholds{}, fmt.Errorf("RISK_THRESHOLDS: %w", err)
	}
	high, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return scoring.Thresholds{}, fmt.Errorf("RISK_THRESHOLDS: %w", err)
	}
	return scoring.Thresholds{Medium: medium, High: high}, nil
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
