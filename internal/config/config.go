// Package config provides configuration loading for the relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the relay.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// JWT settings. Authentication is disabled when JWKSEndpoint is empty.
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// Persistence. Empty disables run history and the stored credential tier.
	PersistenceDBPath string
	RunRetention      time.Duration

	// Catalog
	CatalogFile  string
	CatalogWatch bool

	// Tool invocation
	CredentialsDir    string
	PromptTempDir     string
	ProcessStopGrace  time.Duration
	StreamMaxDuration time.Duration
	OutputTailBytes   int
	FailurePolicy     string
	FailureKeywords   []string

	// HTTP server timeouts. There is no write timeout: streams are long-lived.
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("RELAY_PORT", 8080),
		Host:           getEnv("RELAY_HOST", "127.0.0.1"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "aitools-relay"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),

		PersistenceDBPath: getEnv("PERSISTENCE_DB_PATH", defaultDBPath()),
		RunRetention:      getEnvDuration("RUN_RETENTION", 30*24*time.Hour),

		CatalogFile:  getEnv("CATALOG_FILE", ""),
		CatalogWatch: getEnvBool("CATALOG_WATCH", true),

		CredentialsDir:    getEnv("CREDENTIALS_DIR", defaultCredentialsDir()),
		PromptTempDir:     getEnv("PROMPT_TEMP_DIR", ""),
		ProcessStopGrace:  getEnvDuration("PROCESS_STOP_GRACE", 3*time.Second),
		StreamMaxDuration: getEnvDuration("STREAM_MAX_DURATION", 0),
		OutputTailBytes:   getEnvInt("OUTPUT_TAIL_BYTES", 16*1024),
		FailurePolicy:     getEnv("FAILURE_POLICY", "keywords"),
		FailureKeywords:   getEnvStringSlice("FAILURE_KEYWORDS", nil),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects impossible values.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("RELAY_PORT %d out of range", c.Port))
	}
	for name, d := range map[string]time.Duration{
		"PROCESS_STOP_GRACE":  c.ProcessStopGrace,
		"STREAM_MAX_DURATION": c.StreamMaxDuration,
		"HTTP_READ_TIMEOUT":   c.HTTPReadTimeout,
		"HTTP_IDLE_TIMEOUT":   c.HTTPIdleTimeout,
		"RUN_RETENTION":       c.RunRetention,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.OutputTailBytes < 0 {
		errs = append(errs, fmt.Errorf("OUTPUT_TAIL_BYTES must not be negative"))
	}
	if c.WSReadBufferSize <= 0 || c.WSWriteBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("websocket buffer sizes must be positive"))
	}
	switch strings.ToLower(c.FailurePolicy) {
	case "", "keywords", "any", "off", "none":
	default:
		errs = append(errs, fmt.Errorf("FAILURE_POLICY %q is not one of keywords, any, off", c.FailurePolicy))
	}
	if c.JWKSEndpoint != "" && c.JWTIssuer == "" {
		errs = append(errs, fmt.Errorf("JWT_ISSUER is required when JWKS_ENDPOINT is set"))
	}
	return errors.Join(errs...)
}

// AuthEnabled reports whether bearer tokens are required.
func (c *Config) AuthEnabled() bool {
	return c.JWKSEndpoint != ""
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaultDBPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "aitools-relay", "relay.db")
	}
	return ""
}

func defaultCredentialsDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "aitools-relay", "credentials")
	}
	return ""
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
