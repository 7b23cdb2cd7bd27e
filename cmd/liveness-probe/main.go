// Command liveness-probe reports whether the cfs-batcher main loop has
// written a heartbeat recently enough to be considered alive. It is meant
// to be wired up as a container liveness probe: exit 0 means alive, exit 1
// means the process should be restarted.
package main

import (
	"fmt"
	"os"

	"github.com/Cray-HPE/cfs-batcher/cmd/liveness-probe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
