// Command batcher is the cfs-batcher agent: it batches pending component
// configuration work and dispatches it to the Configuration Framework
// Service.
package main

import (
	"fmt"
	"os"

	"github.com/Cray-HPE/cfs-batcher/cmd/batcher/cmd"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cmd.SetVersion(version, buildTime, gitCommit)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
