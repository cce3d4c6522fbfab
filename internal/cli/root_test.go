package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := execute(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "hive version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := execute(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Hive")
		assert.Contains(t, out, "mailbox")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		for _, name := range []string{"run", "validate", "agents", "status", "stop", "version"} {
			assert.True(t, hasCommand(name), "%s command should exist", name)
		}
	})
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "hive version "+GetVersion()+"\n", out)
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestLogLevelFlag(t *testing.T) {
	t.Cleanup(func() {
		_ = GetRootCmd().PersistentFlags().Set("log-level", "info")
	})
	path, _ := writeConfig(t, "")

	_, err := execute(t, "validate", "--config", path, "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}
