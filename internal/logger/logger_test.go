package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should write to file and redact secrets", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "hive.log")

		l, err := New(Config{Level: "debug", File: logFile, Redaction: true})
		require.NoError(t, err)

		zl := l.GetZerolog()
		zl.Info().Str("api_key", "sk-ant-REDACTED").Msg("provider configured")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "provider configured")
		assert.Contains(t, string(data), "[REDACTED]")
		assert.NotContains(t, string(data), "abcdefghijklmnopqrstuvwxyz")
	})

	t.Run("should fall back to info on invalid level", func(t *testing.T) {
		l, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		defer l.Close()

		assert.Equal(t, zerolog.InfoLevel, l.GetZerolog().GetLevel())
	})

	t.Run("should install global logger", func(t *testing.T) {
		l, err := New(Config{Level: "warn"})
		require.NoError(t, err)
		defer l.Close()

		assert.Equal(t, zerolog.WarnLevel, log.Logger.GetLevel())
	})
}

func TestSetLevel(t *testing.T) {
	l, err := New(DefaultConfig())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.SetLevel("debug"))
	assert.Equal(t, zerolog.DebugLevel, l.GetZerolog().GetLevel())

	assert.Error(t, l.SetLevel("nope"))
}
