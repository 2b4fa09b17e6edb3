package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	prevFormat := zerolog.TimeFieldFormat
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
		zerolog.TimeFieldFormat = prevFormat
	})
}

func TestSetup_JSONToFile(t *testing.T) {
	// GIVEN: JSON logging to a file
	restoreGlobals(t)
	path := filepath.Join(t.TempDir(), "billdora.log")
	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.Output = path
	require.NoError(t, Setup(cfg))

	// WHEN: A component logs
	WithComponent("session").Info().Str("session_id", "s-1").Msg("opened")

	// THEN: The line carries the component field
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(data, &line))
	assert.Equal(t, "session", line["component"])
	assert.Equal(t, "s-1", line["session_id"])
	assert.Equal(t, "opened", line["message"])
}

func TestSetup_LevelFilters(t *testing.T) {
	restoreGlobals(t)
	path := filepath.Join(t.TempDir(), "billdora.log")
	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.Level = "WARN"
	cfg.Output = path
	require.NoError(t, Setup(cfg))

	WithComponent("api").Info().Msg("dropped")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestSetup_UnknownLevel(t *testing.T) {
	restoreGlobals(t)
	cfg := DefaultConfig()
	cfg.Level = "loud"

	assert.Error(t, Setup(cfg))
}
