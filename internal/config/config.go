// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/folio/internal/resolver"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	WebhookURL     string        // empty or the placeholder selects local mode
	WebhookTimeout time.Duration // 0 = no client timeout
	KeywordsPath   string        // optional YAML keyword table

	Widget      WidgetConfig
	RateLimit   RateLimitConfig
	Retention   RetentionConfig
	Diagnostics DiagnosticsLogConfig
}

// WidgetConfig controls widget timing and transport limits.
type WidgetConfig struct {
	CloseDelay      time.Duration
	BadgeDelay      time.Duration
	MaxMessageBytes int64
}

// RateLimitConfig limits new widget connections per client IP.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// RetentionConfig controls pruning of diagnostics rows.
type RetentionConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

// DiagnosticsLogConfig controls NDJSON event logging.
type DiagnosticsLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("DIAGNOSTICS_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/folio.db"),
		WebhookURL:     strings.TrimSpace(getEnv("WEBHOOK_URL", "")),
		WebhookTimeout: getEnvDuration("WEBHOOK_TIMEOUT", 0),
		KeywordsPath:   getEnv("KEYWORDS_PATH", ""),
		Widget: WidgetConfig{
			CloseDelay:      getEnvDuration("WIDGET_CLOSE_DELAY", 300*time.Millisecond),
			BadgeDelay:      getEnvDuration("WIDGET_BADGE_DELAY", 5*time.Second),
			MaxMessageBytes: int64(getEnvInt("WIDGET_MAX_MESSAGE_BYTES", 32768)),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Retention: RetentionConfig{
			Interval: getEnvDuration("RETENTION_INTERVAL", time.Hour),
			MaxAge:   getEnvDuration("RETENTION_MAX_AGE", 7*24*time.Hour),
		},
		Diagnostics: DiagnosticsLogConfig{
			Enabled:       getEnvBool("DIAGNOSTICS_LOG_ENABLED", true),
			Dir:           getEnv("DIAGNOSTICS_LOG_DIR", "./data/logs/widget"),
			GlobalEnabled: getEnvBool("DIAGNOSTICS_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("DIAGNOSTICS_LOG_GLOBAL_PATH", "./data/logs/widget/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if _, err := resolver.ParseEndpoint(c.WebhookURL); err != nil {
		errs = append(errs, fmt.Errorf("WEBHOOK_URL: %w", err))
	}
	if c.WebhookTimeout < 0 {
		errs = append(errs, errors.New("WEBHOOK_TIMEOUT must be >= 0"))
	}
	if c.Widget.CloseDelay < 0 {
		errs = append(errs, errors.New("WIDGET_CLOSE_DELAY must be >= 0"))
	}
	if c.Widget.BadgeDelay <= 0 {
		errs = append(errs, errors.New("WIDGET_BADGE_DELAY must be > 0"))
	}
	if c.Widget.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("WIDGET_MAX_MESSAGE_BYTES must be > 0"))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerWindow <= 0 {
			errs = append(errs, errors.New("RATE_LIMIT_REQUESTS must be > 0"))
		}
		if c.RateLimit.WindowDuration <= 0 {
			errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be > 0"))
		}
	}
	if c.Retention.MaxAge <= 0 {
		errs = append(errs, errors.New("RETENTION_MAX_AGE must be > 0"))
	}
	if c.Diagnostics.Enabled && c.Diagnostics.Dir == "" {
		errs = append(errs, errors.New("DIAGNOSTICS_LOG_DIR cannot be empty"))
	}
	if c.Diagnostics.GlobalEnabled && c.Diagnostics.GlobalPath == "" {
		errs = append(errs, errors.New("DIAGNOSTICS_LOG_GLOBAL_PATH cannot be empty"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origins accepted by CORS and the WebSocket check.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
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

// getEnvDuration accepts Go durations ("300ms") or a bare number of
// milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
