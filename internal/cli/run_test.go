package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaskArgs(t *testing.T) {
	t.Run("should split agent and payload", func(t *testing.T) {
		tasks, err := parseTaskArgs([]string{"alpha=hello", "beta=a=b", "gamma="})
		require.NoError(t, err)
		assert.Equal(t, []taskArg{
			{agentID: "alpha", payload: "hello"},
			{agentID: "beta", payload: "a=b"},
			{agentID: "gamma", payload: ""},
		}, tasks)
	})

	t.Run("should reject missing agent", func(t *testing.T) {
		_, err := parseTaskArgs([]string{"hello"})
		assert.Error(t, err)

		_, err = parseTaskArgs([]string{"=hello"})
		assert.Error(t, err)
	})
}

func TestRunCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := execute(t, "run", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Run the hive runtime in the foreground")
		assert.Contains(t, out, "--task")
	})

	t.Run("should run until the context ends", func(t *testing.T) {
		path, dataDir := writeConfig(t, `agents:
  - id: alpha
    auto_start: true
`)
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()

		cmd := GetRootCmd()
		resetFlags(cmd)
		runCmd.SetContext(ctx)
		t.Cleanup(func() {
			resetFlags(cmd)
			runCmd.SetContext(context.Background())
		})
		cmd.SetArgs([]string{"run", "--config", path, "--task", "alpha=hello", "--task", "ghost=boo"})
		output := &bytes.Buffer{}
		cmd.SetOut(output)

		require.NoError(t, cmd.Execute())

		out := output.String()
		assert.Contains(t, out, "to alpha")
		assert.Contains(t, out, "Task for ghost rejected")
		assert.Contains(t, out, "Hive running with 1 agents")
		assert.Contains(t, out, "Hive stopped")

		_, err := os.Stat(filepath.Join(dataDir, "hive.pid"))
		assert.True(t, os.IsNotExist(err), "PID file should be removed")
	})
}
