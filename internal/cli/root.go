package cli

import (
	"os"

	"github.com/harun/hive/internal/config"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Hive - multi-agent session runtime",
	Long: `Hive runs long-lived AI agents side by side. Each agent owns a task queue
and a conversation, talks to other agents through a shared mailbox, and can
sleep until a timer, an event or new mail wakes it.`,
	Version:      version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hive/hive.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// loadConfig loads the configuration named by --config. The returned path
// is empty when no config file exists, which disables hot reload.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, "", err
	}

	if cmd.Flags().Changed("log-level") {
		if err := config.NewValidator().ValidateLogLevel(logLevel); err != nil {
			return nil, "", err
		}
		cfg.Logging.Level = logLevel
	}

	path := loader.GetConfigPath()
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	return cfg, path, nil
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
