package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "150", cfg.DefaultRate().String())
	assert.True(t, cfg.Tax().IsZero())
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	// GIVEN: A partial config file
	path := writeConfig(t, `
server:
  port: 9090
billing:
  default_hourly_rate: "175.50"
  tax_rate: "0.0825"
session:
  idle_ttl: 45m
  commit_concurrency: 8
log:
  format: json
`)

	// WHEN: Loading it
	cfg, err := Load(path)

	// THEN: Set keys win and the rest keep their defaults
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "175.5", cfg.DefaultRate().String())
	assert.Equal(t, "0.0825", cfg.Tax().String())
	assert.Equal(t, 45*time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, 8, cfg.Session.CommitConcurrency)
	assert.Equal(t, 3, cfg.Session.RetryAttempts)
	assert.Equal(t, "billdora.db", cfg.Database.Path)

	lc := cfg.LoggerConfig()
	assert.Equal(t, "json", lc.Format)
	assert.Equal(t, "info", lc.Level)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")

	_, err := Load(path)

	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	// GIVEN: Environment overrides
	t.Setenv("BILLDORA_PORT", "7070")
	t.Setenv("BILLDORA_DB_PATH", ":memory:")
	t.Setenv("BILLDORA_TAX_RATE", "0.05")
	t.Setenv("BILLDORA_SESSION_TTL", "5m")
	t.Setenv("BILLDORA_RETRY_ATTEMPTS", "5")

	// WHEN: Applying them
	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	// THEN: They replace the defaults
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, "0.05", cfg.Billing.TaxRate)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, 5, cfg.Session.RetryAttempts)
}

func TestApplyEnv_BadValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"BILLDORA_PORT", "eighty"},
		{"BILLDORA_SESSION_TTL", "soon"},
		{"BILLDORA_RETRY_ATTEMPTS", "many"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			assert.Error(t, DefaultConfig().ApplyEnv())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"rate not a number", func(c *Config) { c.Billing.DefaultHourlyRate = "abc" }},
		{"negative rate", func(c *Config) { c.Billing.DefaultHourlyRate = "-1" }},
		{"tax above one", func(c *Config) { c.Billing.TaxRate = "8.25" }},
		{"negative tax", func(c *Config) { c.Billing.TaxRate = "-0.01" }},
		{"no retry attempts", func(c *Config) { c.Session.RetryAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
