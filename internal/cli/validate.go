package cli

import (
	"fmt"

	"github.com/harun/hive/internal/daemon"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and agent definitions",
	Long: `Load the configuration, merge the agents file and check everything
"hive run" would check before creating agents.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	specs, err := daemon.AgentSpecs(cfg.Agents)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("configuration invalid: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if path == "" {
		path = "(defaults and environment)"
	}
	fmt.Fprintf(out, "Configuration valid: %s\n", path)
	fmt.Fprintf(out, "Provider: %s", cfg.Provider.Kind)
	if len(cfg.Provider.Fallback) > 0 {
		fmt.Fprintf(out, " (+%d fallback)", len(cfg.Provider.Fallback))
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Runtime: max_iterations=%d failure_threshold=%d max_task_retries=%d\n",
		cfg.Runtime.MaxIterations, cfg.Runtime.FailureThreshold, cfg.Runtime.MaxTaskRetries)
	fmt.Fprintf(out, "Agents: %d\n", len(specs))
	for _, s := range specs {
		fmt.Fprintf(out, "  - %s (capability=%s, auto_start=%t)\n", s.ID, s.Capability, s.AutoStart)
	}
	return nil
}
