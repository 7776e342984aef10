package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Rate limiter behavior when Redis is unreachable. This is a required
// setting: the operator must pick a direction explicitly.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string

	NumWorkers     int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	SendTimeout    time.Duration

	RateLimitWindow   time.Duration
	RateLimitFailMode string

	QueueVisibility time.Duration
	SweepInterval   time.Duration
	SweepGrace      time.Duration

	APIKeySalt string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		SMTPHost: getEnv("SMTP_HOST", ""),
		SMTPPort: getEnvInt("SMTP_PORT", 587),
		SMTPUser: getEnv("SMTP_USER", ""),
		SMTPPass: getEnv("SMTP_PASS", ""),

		NumWorkers:     getEnvInt("NUM_WORKERS", 4),
		MaxAttempts:    getEnvInt("MAX_RETRY_ATTEMPTS", 3),
		RetryBaseDelay: getEnvDuration("RETRY_BASE_DELAY", 5*time.Second),
		SendTimeout:    getEnvDuration("SEND_TIMEOUT", 30*time.Second),

		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitFailMode: getEnv("RATE_LIMIT_FAIL_MODE", ""),

		QueueVisibility: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", time.Minute),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		SweepGrace:      getEnvDuration("SWEEP_GRACE_PERIOD", 2*time.Minute),

		APIKeySalt: getEnv("API_KEY_SALT", "change-me-in-production"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.RateLimitFailMode != FailOpen && cfg.RateLimitFailMode != FailClosed {
		return nil, fmt.Errorf("RATE_LIMIT_FAIL_MODE must be %q or %q", FailOpen, FailClosed)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_RETRY_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
