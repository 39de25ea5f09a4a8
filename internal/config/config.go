package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultAuthTimeout    = 15 * time.Second
)

// Config holds the runtime settings of the mail driver tooling.
// Provider hosts and ports are not configurable; they live in the provider packages.
type Config struct {
	Environment         string
	LogLevel            zerolog.Level
	ConnectTimeout      time.Duration
	AuthTimeout         time.Duration
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
}

// NewConfig reads the configuration from the environment, loading .env first in development.
func NewConfig() (*Config, error) {
	env := getEnvOrDefault("MAILDRIVER_ENV", "development")

	if env == "development" {
		// A missing .env is fine, the environment may carry everything.
		_ = godotenv.Load()
	}

	level, err := zerolog.ParseLevel(getEnvOrDefault("MAILDRIVER_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("MAILDRIVER_LOG_LEVEL is invalid: %w", err)
	}

	connectTimeout, err := getDurationOrDefault("MAILDRIVER_CONNECT_TIMEOUT", defaultConnectTimeout)
	if err != nil {
		return nil, err
	}
	authTimeout, err := getDurationOrDefault("MAILDRIVER_AUTH_TIMEOUT", defaultAuthTimeout)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Environment:         env,
		LogLevel:            level,
		ConnectTimeout:      connectTimeout,
		AuthTimeout:         authTimeout,
		EncryptionKeyBase64: os.Getenv("MAILDRIVER_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("MAILDRIVER_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILDRIVER_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILDRIVER_DB_USER", "maildriver"),
		DBPassword:          os.Getenv("MAILDRIVER_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILDRIVER_DB_NAME", "maildriver"),
		DBSSLMode:           getEnvOrDefault("MAILDRIVER_DB_SSLMODE", "disable"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the settings that have no usable default.
// The credential store settings are optional; HasDatabase reports whether they are present.
func (c *Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("MAILDRIVER_CONNECT_TIMEOUT must be positive")
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("MAILDRIVER_AUTH_TIMEOUT must be positive")
	}

	if c.EncryptionKeyBase64 != "" {
		key, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64)
		if err != nil {
			return fmt.Errorf("MAILDRIVER_ENCRYPTION_KEY_BASE64 is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("MAILDRIVER_ENCRYPTION_KEY_BASE64 must decode to 32 bytes, got %d", len(key))
		}
	}

	if c.DBPassword != "" {
		if c.EncryptionKeyBase64 == "" {
			return fmt.Errorf("MAILDRIVER_ENCRYPTION_KEY_BASE64 is required when the credential store is configured")
		}
		if !validPort(c.DBPort) {
			return fmt.Errorf("MAILDRIVER_DB_PORT is not a valid port number")
		}
	}

	return nil
}

// HasDatabase reports whether the credential store is configured.
func (c *Config) HasDatabase() bool {
	return c.DBPassword != ""
}

// GetDatabaseURL returns the Postgres URL with credentials escaped.
func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid duration: %w", key, err)
	}
	return d, nil
}

func validPort(value string) bool {
	port, err := strconv.Atoi(value)
	return err == nil && port >= 1 && port <= 65535
}
