package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file (if present) and the HIVE_* environment,
// merges agent definitions from agents_file and validates the result.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".hive")
	}

	if cfg.AgentsFile != "" {
		path := cfg.AgentsFile
		if !filepath.IsAbs(path) && configPath != "" {
			path = filepath.Join(filepath.Dir(configPath), path)
		}
		agents, err := LoadAgentsFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Agents = append(cfg.Agents, agents...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// bindDefaults registers every scalar key so AutomaticEnv can override
// values that are absent from the config file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("runtime.max_iterations", cfg.Runtime.MaxIterations)
	v.SetDefault("runtime.continuation_timeout", cfg.Runtime.ContinuationTimeout)
	v.SetDefault("runtime.failure_threshold", cfg.Runtime.FailureThreshold)
	v.SetDefault("runtime.max_task_retries", cfg.Runtime.MaxTaskRetries)
	v.SetDefault("runtime.queue_limit", cfg.Runtime.QueueLimit)
	v.SetDefault("runtime.wait_timeout", cfg.Runtime.WaitTimeout)
	v.SetDefault("mailbox.rate_limit", cfg.Mailbox.RateLimit)
	v.SetDefault("mailbox.rate_burst", cfg.Mailbox.RateBurst)
	v.SetDefault("mailbox.journal_path", cfg.Mailbox.JournalPath)
	v.SetDefault("provider.kind", cfg.Provider.Kind)
	v.SetDefault("provider.model", cfg.Provider.Model)
	v.SetDefault("provider.api_key", cfg.Provider.APIKey)
	v.SetDefault("provider.base_url", cfg.Provider.BaseURL)
	v.SetDefault("provider.max_tokens", cfg.Provider.MaxTokens)
	v.SetDefault("provider.cooldown", cfg.Provider.Cooldown)
	v.SetDefault("agents_file", cfg.AgentsFile)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", cfg.Metrics.ListenAddr)
	v.SetDefault("tracing.exporter", cfg.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("data_dir", cfg.DataDir)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".hive", "hive.yaml")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// AgentsFile is the document layout of an agent definitions file
type AgentsFile struct {
	Agents []AgentConfig `json:"agents" yaml:"agents"`
}

// LoadAgentsFile loads agent definitions from a JSON or YAML file
func LoadAgentsFile(path string) ([]AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("agents file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var doc AgentsFile
	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON agents file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML agents file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported agents file format: %s (supported: .json, .yaml, .yml)", ext)
	}

	if err := NewValidator().ValidateAgents(doc.Agents); err != nil {
		return nil, fmt.Errorf("agents file %s: %w", path, err)
	}
	return doc.Agents, nil
}

// MarshalAgentsYAML renders agent definitions in the agents file layout
func MarshalAgentsYAML(agents []AgentConfig) ([]byte, error) {
	return yaml.Marshal(AgentsFile{Agents: agents})
}
