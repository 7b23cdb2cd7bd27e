package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Cray-HPE/cfs-batcher/internal/liveness"
)

var (
	path          string
	checkInterval time.Duration
	probeSlack    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "liveness-probe",
	Short: "Check whether the cfs-batcher heartbeat file is fresh",
	Long: `liveness-probe reads the on-disk heartbeat file cfs-batcher writes
on its heartbeat interval and exits 0 if it was updated less than
check-interval plus probe-slack ago, or 1 otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		alive, age, err := liveness.Probe(path, checkInterval, probeSlack)
		if err != nil {
			return fmt.Errorf("reading heartbeat at %q: %w", path, err)
		}
		if !alive {
			return fmt.Errorf("heartbeat at %q is stale (age %s, max %s)", path, age, checkInterval+probeSlack)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().StringVar(&path, "path", "/var/timestamp", "path to the heartbeat file written by cfs-batcher")
	rootCmd.Flags().DurationVar(&checkInterval, "check-interval", 10*time.Second, "current batcherCheckInterval option value")
	rootCmd.Flags().DurationVar(&probeSlack, "probe-slack", 30*time.Second, "extra allowance for one tick's computation time")
}
