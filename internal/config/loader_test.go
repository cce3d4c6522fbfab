package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("should return defaults when file does not exist", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Runtime.MaxIterations)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("should load yaml file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "hive.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
runtime:
  max_iterations: 4
  continuation_timeout: 30s
mailbox:
  rate_limit: 2
  rate_burst: 4
agents:
  - id: planner
    auto_start: true
    capability: multi
  - id: coder
    capability: single
    timeout: 1m
`), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Runtime.MaxIterations)
		assert.Equal(t, 30*time.Second, cfg.Runtime.ContinuationTimeout)
		assert.Equal(t, 3, cfg.Runtime.FailureThreshold)
		assert.Equal(t, 2.0, cfg.Mailbox.RateLimit)
		require.Len(t, cfg.Agents, 2)
		assert.Equal(t, "planner", cfg.Agents[0].ID)
		assert.True(t, cfg.Agents[0].AutoStart)
		assert.Equal(t, time.Minute, cfg.Agents[1].Timeout)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		t.Setenv("HIVE_RUNTIME_MAX_ITERATIONS", "7")
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Runtime.MaxIterations)
	})

	t.Run("should merge agents file relative to config", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte(`
agents:
  - id: reviewer
    wake_events: [review]
`), 0644))
		path := filepath.Join(dir, "hive.yaml")
		require.NoError(t, os.WriteFile(path, []byte("agents_file: agents.yaml\n"), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		require.Len(t, cfg.Agents, 1)
		assert.Equal(t, []string{"review"}, cfg.Agents[0].WakeEvents)
	})

	t.Run("should reject invalid config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "hive.yaml")
		require.NoError(t, os.WriteFile(path, []byte("runtime:\n  max_iterations: 0\n"), 0644))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})
}

func TestLoadAgentsFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("should load json", func(t *testing.T) {
		path := filepath.Join(dir, "agents.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"agents":[{"id":"a","capability":"multi"}]}`), 0644))

		agents, err := LoadAgentsFile(path)
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, "multi", agents[0].Capability)
	})

	t.Run("should reject unsupported extension", func(t *testing.T) {
		path := filepath.Join(dir, "agents.toml")
		require.NoError(t, os.WriteFile(path, []byte(""), 0644))

		_, err := LoadAgentsFile(path)
		assert.ErrorContains(t, err, "unsupported")
	})

	t.Run("should reject duplicates", func(t *testing.T) {
		path := filepath.Join(dir, "dup.yaml")
		require.NoError(t, os.WriteFile(path, []byte("agents:\n  - id: a\n  - id: a\n"), 0644))

		_, err := LoadAgentsFile(path)
		assert.ErrorContains(t, err, "duplicate")
	})

	t.Run("should round trip through yaml", func(t *testing.T) {
		data, err := MarshalAgentsYAML([]AgentConfig{{ID: "x", AutoStart: true, Tools: []string{"*"}}})
		require.NoError(t, err)

		path := filepath.Join(dir, "rt.yml")
		require.NoError(t, os.WriteFile(path, data, 0644))
		agents, err := LoadAgentsFile(path)
		require.NoError(t, err)
		assert.Equal(t, "x", agents[0].ID)
		assert.True(t, agents[0].AutoStart)
	})
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  max_iterations: 2\n"), 0644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(WatcherConfig{
		Path:     path,
		Debounce: 20 * time.Millisecond,
		OnReload: func(cfg *Config) { reloaded <- cfg },
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  max_iterations: 9\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9, cfg.Runtime.MaxIterations)
	case <-time.After(3 * time.Second):
		t.Fatal("config reload not observed")
	}
}
