package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/harun/hive/internal/daemon"
	"github.com/harun/hive/internal/logger"
	"github.com/spf13/cobra"
)

var runTasks []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the hive runtime in the foreground",
	Long: `Run the hive runtime in the foreground.
Creates the configured agents, serves metrics when enabled, reloads runtime
limits when the config file changes and shuts down on SIGINT or SIGTERM.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runTasks, "task", nil, "send a task once started, as agent=payload (repeatable)")
	rootCmd.AddCommand(runCmd)
}

type taskArg struct {
	agentID string
	payload string
}

func parseTaskArgs(args []string) ([]taskArg, error) {
	tasks := make([]taskArg, 0, len(args))
	for _, a := range args {
		id, payload, ok := strings.Cut(a, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid --task %q (want agent=payload)", a)
		}
		tasks = append(tasks, taskArg{agentID: id, payload: payload})
	}
	return tasks, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	tasks, err := parseTaskArgs(runTasks)
	if err != nil {
		return err
	}

	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, path, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	for _, t := range tasks {
		taskID, err := d.Manager().SendTask(ctx, t.agentID, t.payload)
		if err != nil {
			clog := log.Component("cli")
			clog.Error().Err(err).Str("agent_id", t.agentID).Msg("Failed to send task")
			fmt.Fprintf(out, "Task for %s rejected: %v\n", t.agentID, err)
			continue
		}
		fmt.Fprintf(out, "Sent task %s to %s\n", taskID, t.agentID)
	}

	fmt.Fprintf(out, "Hive running with %d agents (PID %d)\n", len(d.Status().Agents), os.Getpid())
	if addr := d.MetricsAddr(); addr != "" {
		fmt.Fprintf(out, "Metrics: http://%s/metrics\n", addr)
	}

	if err := d.Wait(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Fprintln(out, "Hive stopped")
	return nil
}
