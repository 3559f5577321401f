package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scratcha/scratcha/internal/config"
)

func TestSetupWritesJSONToFile(t *testing.T) {
	prev := log.Logger
	defer func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}()

	path := filepath.Join(t.TempDir(), "scratcha.log")
	closer, err := Setup(config.LoggingConfig{Level: "warn", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	log.Info().Msg("dropped")
	log.Warn().Str("session_id", "session_1").Msg("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"session_1"`)
	assert.NotContains(t, string(data), "dropped")
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	_, err := Setup(config.LoggingConfig{Level: "chatty"})
	assert.Error(t, err)
}
