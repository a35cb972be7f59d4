package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"

	"github.com/tracyhatemice/mtfss/internal/mailbox"
)

// Config is the top-level application configuration.
type Config struct {
	Server   string `yaml:"server" env:"IMAP_SERVER"`
	Port     int    `yaml:"port" env:"IMAP_PORT"`
	Security string `yaml:"security" env:"IMAP_SECURITY"` // "tls", "starttls" or "insecure"
	Username string `yaml:"username" env:"IMAP_USERNAME"`
	Password string `yaml:"password" env:"IMAP_PASSWORD"`

	PrimaryDomain       string `yaml:"primary_domain" env:"PRIMARY_DOMAIN"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds" env:"POLL_INTERVAL"`
	RunOnce             bool   `yaml:"run_once" env:"RUN_ONCE"`

	Inbox                string   `yaml:"inbox" env:"IMAP_INBOX"`
	EnvelopeHeaders      []string `yaml:"envelope_headers" env:"ENVELOPE_HEADERS" envSeparator:","`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts" env:"MAX_RECONNECT_ATTEMPTS"`

	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT"`
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Security:            mailbox.SecurityTLS,
		PollIntervalSeconds: 30,
		Inbox:               "INBOX",
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// PollInterval returns the poll interval as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds < 0 {
		return 0
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// GetPort returns the configured port, or the well-known port for the
// security mode when none is set.
func (c *Config) GetPort() int {
	if c.Port > 0 {
		return c.Port
	}
	if c.Security == mailbox.SecurityTLS || c.Security == "" {
		return 993
	}
	return 143
}

// GetInbox returns the inbox name, defaulting to "INBOX".
func (c *Config) GetInbox() string {
	if c.Inbox == "" {
		return "INBOX"
	}
	return c.Inbox
}

// Load builds a configuration from the optional YAML file at path, then
// overlays environment variables (including a .env file in the working
// directory, when present). Flags are applied by the caller afterwards,
// followed by Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required settings are present and consistent.
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if c.PrimaryDomain == "" {
		return fmt.Errorf("primary domain is required")
	}
	if c.PollIntervalSeconds < 0 {
		return fmt.Errorf("poll interval must not be negative")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative")
	}
	switch c.Security {
	case mailbox.SecurityTLS, mailbox.SecurityStartTLS, mailbox.SecurityInsecure:
	default:
		return fmt.Errorf("security must be tls, starttls or insecure")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json")
	}
	for _, h := range c.EnvelopeHeaders {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("envelope header names must not be empty")
		}
	}
	return nil
}
