// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	DBPath      string
	LogLevel    slog.Level
	CORSOrigins []string

	Webhook   WebhookConfig
	Session   SessionConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
}

// WebhookConfig controls delivery to the external instruction service.
type WebhookConfig struct {
	URL          string
	Enabled      bool
	Timeout      time.Duration
	BaseDelay    time.Duration
	MaxAttempts  int
	PollInterval time.Duration
	BatchSize    int
}

// SessionConfig controls the stale-session sweep.
type SessionConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// CacheConfig controls the optional Redis manual cache.
type CacheConfig struct {
	RedisURL  string
	ManualTTL time.Duration
}

// RateLimitConfig is a per-client fixed window on /api.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DBPath:      getEnv("DB_PATH", "./data/stepwise.db"),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		Webhook: WebhookConfig{
			URL:          getEnv("WEBHOOK_URL", "http://localhost:9000/webhook"),
			Enabled:      getEnvBool("WEBHOOK_ENABLED", true),
			Timeout:      getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			BaseDelay:    getEnvDuration("WEBHOOK_RETRY_BASE_DELAY", 4*time.Second),
			MaxAttempts:  getEnvInt("WEBHOOK_MAX_ATTEMPTS", 3),
			PollInterval: getEnvDuration("WEBHOOK_POLL_INTERVAL", 5*time.Second),
			BatchSize:    getEnvInt("WEBHOOK_BATCH_SIZE", 10),
		},
		Session: SessionConfig{
			IdleTimeout:   getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		Cache: CacheConfig{
			RedisURL:  getEnv("REDIS_URL", ""),
			ManualTTL: getEnvDuration("MANUAL_CACHE_TTL", time.Hour),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 60),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return fmt.Errorf("WEBHOOK_URL cannot be empty when webhooks are enabled")
	}
	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be > 0")
	}
	if c.Webhook.BaseDelay <= 0 {
		return fmt.Errorf("WEBHOOK_RETRY_BASE_DELAY must be > 0")
	}
	if c.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be > 0")
	}
	if c.Webhook.PollInterval <= 0 {
		return fmt.Errorf("WEBHOOK_POLL_INTERVAL must be > 0")
	}
	if c.Webhook.BatchSize <= 0 {
		return fmt.Errorf("WEBHOOK_BATCH_SIZE must be > 0")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT and SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
