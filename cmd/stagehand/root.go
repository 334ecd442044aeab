package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Task orchestration engine",
	Long: `Stagehand turns reported issues into tasks, schedules them across
worker pools, and keeps retrying failures until they succeed, repeat, or
exhaust their budget.

Core behavior:
- Accepts issues, deduplicates them, and promotes them to tasks by priority
- Dispatches ready tasks to out-of-process workers per category pool
- Waits on completion signals instead of polling
- Auto-retries failed tasks under a three-tier circuit breaker
- Persists all state in .stagehand/state.db so runs survive restarts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(issueCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(versionCmd)
}
