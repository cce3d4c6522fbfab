package cli

import (
	"fmt"

	"github.com/harun/hive/internal/config"
	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Print the agent definitions as YAML",
	Long: `Print the agents "hive run" would create, merged from the config file and
the agents file, in the agents file layout.`,
	RunE: runAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := config.MarshalAgentsYAML(cfg.Agents)
	if err != nil {
		return fmt.Errorf("failed to render agents: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
