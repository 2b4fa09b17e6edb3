/*
Package config loads Billdora settings.

SOURCES (later wins):
  1. DefaultConfig()
  2. YAML file (default ~/.config/billdora/config.yaml)
  3. .env file in the working directory, if present
  4. BILLDORA_* environment variables

ENVIRONMENT:
  BILLDORA_PORT                HTTP port
  BILLDORA_DB_PATH             SQLite path (":memory:" for ephemeral)
  BILLDORA_DEFAULT_HOURLY_RATE Fallback rate for entries without one
  BILLDORA_TAX_RATE            Flat tax fraction, e.g. 0.0825
  BILLDORA_LOG_LEVEL           trace|debug|info|warn|error
  BILLDORA_LOG_FORMAT          console|json
  BILLDORA_SESSION_TTL         Idle session lifetime, e.g. 30m
  BILLDORA_RETRY_ATTEMPTS      Store read attempts when loading candidates
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/billdora/billing-engine/logger"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Billing  BillingConfig  `yaml:"billing"`
	Session  SessionConfig  `yaml:"session"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // SQLite database path
}

type BillingConfig struct {
	DefaultHourlyRate string `yaml:"default_hourly_rate"` // decimal string
	TaxRate           string `yaml:"tax_rate"`            // fraction, 0.0825 = 8.25%
}

type SessionConfig struct {
	IdleTTL           time.Duration `yaml:"idle_ttl"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	CommitConcurrency int           `yaml:"commit_concurrency"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DefaultConfigPath returns ~/.config/billdora/config.yaml
func DefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "billdora", "config.yaml")
	}
	return filepath.Join(homeDir, ".config", "billdora", "config.yaml")
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{Path: "billdora.db"},
		Billing: BillingConfig{
			DefaultHourlyRate: "150",
			TaxRate:           "0",
		},
		Session: SessionConfig{
			IdleTTL:           30 * time.Minute,
			ReapInterval:      time.Minute,
			RetryAttempts:     3,
			RetryInitialDelay: 50 * time.Millisecond,
			CommitConcurrency: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Load loads config from the given path, or returns defaults if file doesn't exist
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv loads .env (if present) and applies BILLDORA_* overrides.
func (c *Config) ApplyEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if v := os.Getenv("BILLDORA_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BILLDORA_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("BILLDORA_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("BILLDORA_DEFAULT_HOURLY_RATE"); v != "" {
		c.Billing.DefaultHourlyRate = v
	}
	if v := os.Getenv("BILLDORA_TAX_RATE"); v != "" {
		c.Billing.TaxRate = v
	}
	if v := os.Getenv("BILLDORA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("BILLDORA_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("BILLDORA_SESSION_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BILLDORA_SESSION_TTL: %w", err)
		}
		c.Session.IdleTTL = ttl
	}
	if v := os.Getenv("BILLDORA_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BILLDORA_RETRY_ATTEMPTS: %w", err)
		}
		c.Session.RetryAttempts = n
	}
	return nil
}

// Validate rejects settings the engine cannot work with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server port must be positive, got %d", c.Server.Port)
	}
	rate, err := decimal.NewFromString(c.Billing.DefaultHourlyRate)
	if err != nil {
		return fmt.Errorf("default hourly rate: %w", err)
	}
	if rate.IsNegative() {
		return errors.New("default hourly rate cannot be negative")
	}
	tax, err := decimal.NewFromString(c.Billing.TaxRate)
	if err != nil {
		return fmt.Errorf("tax rate: %w", err)
	}
	if tax.IsNegative() || tax.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("tax rate must be between 0 and 1")
	}
	if c.Session.RetryAttempts < 1 {
		return errors.New("retry attempts must be at least 1")
	}
	return nil
}

// DefaultRate returns the parsed default hourly rate. Call Validate first.
func (c *Config) DefaultRate() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Billing.DefaultHourlyRate)
	return d
}

// Tax returns the parsed tax rate. Call Validate first.
func (c *Config) Tax() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Billing.TaxRate)
	return d
}

// LoggerConfig returns a logger configuration from the main config
func (c *Config) LoggerConfig() logger.LogConfig {
	lc := logger.DefaultConfig()
	lc.Level = c.Log.Level
	lc.Format = c.Log.Format
	lc.Output = c.Log.Output
	return lc
}
