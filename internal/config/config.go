// Package config loads the server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"idbridge/internal/auth/custos"
)

// Config holds the server configuration.
type Config struct {
	Addr             string        `yaml:"addr"`
	BaseURL          string        `yaml:"base_url"`
	LoginRedirectURL string        `yaml:"login_redirect_url"`
	SessionDuration  time.Duration `yaml:"session_duration"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`

	// LoginRateLimit and LoginRateBurst bound login attempts per client IP.
	LoginRateLimit float64 `yaml:"login_rate_limit"`
	LoginRateBurst int     `yaml:"login_rate_burst"`

	SentryDSN   string `yaml:"sentry_dsn"`
	DatabaseDSN string `yaml:"database_dsn"`

	Providers []custos.Config `yaml:"providers"`
}

// Load reads configuration from a YAML file and environment variables.
// Environment variables override YAML values.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Addr:             ":8080",
		LoginRedirectURL: "/",
		SessionDuration:  24 * time.Hour,
		ShutdownTimeout:  10 * time.Second,
		LoginRateLimit:   1,
		LoginRateBurst:   5,
	}

	// Load from YAML file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Override with environment variables
	if v := os.Getenv("IDBRIDGE_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("IDBRIDGE_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("IDBRIDGE_LOGIN_REDIRECT_URL"); v != "" {
		cfg.LoginRedirectURL = v
	}
	if v := os.Getenv("IDBRIDGE_SESSION_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionDuration = d
		}
	}
	if v := os.Getenv("IDBRIDGE_LOGIN_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.LoginRateLimit = f
		}
	}
	if v := os.Getenv("IDBRIDGE_LOGIN_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateBurst = n
		}
	}
	if v := os.Getenv("IDBRIDGE_SENTRY_DSN"); v != "" {
		cfg.SentryDSN = v
	}
	if v := os.Getenv("IDBRIDGE_DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration fields are set.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required (set IDBRIDGE_ADDR or yaml)")
	}
	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Provider == "" {
			return fmt.Errorf("providers[%d]: provider name is required", i)
		}
		if seen[p.Provider] {
			return fmt.Errorf("providers[%d]: duplicate provider %q", i, p.Provider)
		}
		seen[p.Provider] = true
	}
	if c.SessionDuration < time.Minute {
		return errors.New("session_duration must be at least 1 minute")
	}
	if c.LoginRateLimit <= 0 {
		return errors.New("login_rate_limit must be positive")
	}
	if c.LoginRateBurst < 1 {
		return errors.New("login_rate_burst must be at least 1")
	}
	return nil
}
