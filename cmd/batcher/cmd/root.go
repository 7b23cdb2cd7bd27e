package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version   string
	buildTime string
	gitCommit string

	configPath string
)

// rootCmd represents the base command; running it with no subcommand is
// equivalent to `batcher run`.
var rootCmd = &cobra.Command{
	Use:   "batcher",
	Short: "Batch and dispatch pending component configuration work to CFS",
	Long: `batcher is the cfs-batcher control-loop agent.

It groups pending components by compatibility key, admits them into
batches, dispatches full-or-overdue batches as Configuration Framework
Service sessions, and reconciles component state once each session
completes.

Examples:
  # Run the agent with defaults and environment-variable overrides
  batcher

  # Run the agent with an explicit bootstrap config file
  batcher run --config /etc/cfs-batcher/config.yaml

  # Print build metadata
  batcher version
`,
	RunE: func(c *cobra.Command, args []string) error {
		return runCmd.RunE(c, args)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional bootstrap YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// SetVersion sets version information printed by `batcher version`.
func SetVersion(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("batcher version %s\n", version)
		fmt.Printf("Build time: %s\n", buildTime)
		fmt.Printf("Git commit: %s\n", gitCommit)
	},
}
