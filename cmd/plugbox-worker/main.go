// Command plugbox-worker is the sandbox child process. It is started by a
// Runnable with the RPC side-channel on fds 3 and 4 and is not meant to be
// run by hand.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattjoyce/plugbox/internal/log"
	"github.com/mattjoyce/plugbox/internal/worker"
)

func main() {
	level := os.Getenv(worker.EnvLogLevel)
	if level == "" {
		level = "WARN"
	}
	// stderr feeds the job trace, so keep worker logs terse and readable.
	log.Setup(level, "text", os.Stderr)

	if err := worker.Run(context.Background(), worker.Options{}); err != nil {
		fmt.Fprintf(os.Stderr, "plugbox-worker: %v\n", err)
		os.Exit(1)
	}
}
