package worker

import (
	"context"
	"fmt"
	"os"
)

// Side-channel file descriptors, as seen by the worker. The parent passes
// them through exec.Cmd.ExtraFiles, which numbers entries from 3.
const (
	CallFD  = 3
	ReplyFD = 4
)

// Environment understood by the worker process.
const (
	EnvDataDir  = "PLUGBOX_DATA_DIR"
	EnvLogLevel = "PLUGBOX_WORKER_LOG_LEVEL"
)

// Run serves the parent over the inherited side-channel descriptors. The
// working directory is the sandbox work dir; the data dir comes from the
// environment.
func Run(ctx context.Context, opts Options) error {
	in := os.NewFile(CallFD, "plugbox-calls")
	out := os.NewFile(ReplyFD, "plugbox-replies")
	defer in.Close()
	defer out.Close()
	for _, f := range []*os.File{in, out} {
		if _, err := f.Stat(); err != nil {
			return fmt.Errorf("side-channel %s not inherited: %w", f.Name(), err)
		}
	}

	if opts.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve work dir: %w", err)
		}
		opts.WorkDir = wd
	}
	if opts.DataDir == "" {
		opts.DataDir = os.Getenv(EnvDataDir)
	}

	return NewServer(opts).Serve(ctx, in, out)
}
