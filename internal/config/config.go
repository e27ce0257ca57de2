// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	APIURL          string
	Port            string
	DBPath          string
	DefaultUser     string
	AllowedOrigins  []string
	ToolCatalogPath string
	LogLevel        slog.Level
	Timing          TimingConfig
	Notifications   NotificationConfig
}

// TimingConfig bounds network exchanges and reconciliation.
type TimingConfig struct {
	RequestTimeout time.Duration
	RefreshDelay   time.Duration
}

// NotificationConfig controls user alerts.
type NotificationConfig struct {
	TTL   time.Duration
	Limit int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		APIURL:          strings.TrimSpace(getEnv("TASKDESK_API_URL", "")),
		Port:            getEnv("PORT", "8090"),
		DBPath:          getEnv("DB_PATH", "./data/taskdesk.db"),
		DefaultUser:     strings.TrimSpace(getEnv("TASKDESK_USER", "")),
		AllowedOrigins:  splitList(getEnv("ALLOWED_ORIGINS", "*")),
		ToolCatalogPath: getEnv("TOOL_CATALOG_PATH", ""),
		LogLevel:        getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Timing: TimingConfig{
			RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 2*time.Minute),
			RefreshDelay:   getEnvDuration("REFRESH_DELAY", 500*time.Millisecond),
		},
		Notifications: NotificationConfig{
			TTL:   getEnvDuration("NOTIFICATION_TTL", 5*time.Second),
			Limit: getEnvInt("NOTIFICATION_LIMIT", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("TASKDESK_API_URL cannot be empty")
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("TASKDESK_API_URL must be an http(s) URL")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Timing.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}
	if c.Timing.RefreshDelay < 0 {
		return fmt.Errorf("REFRESH_DELAY must be >= 0")
	}
	if c.Notifications.TTL <= 0 {
		return fmt.Errorf("NOTIFICATION_TTL must be > 0")
	}
	if c.Notifications.Limit <= 0 {
		return fmt.Errorf("NOTIFICATION_LIMIT must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
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

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
