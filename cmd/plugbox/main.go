// Command plugbox runs plugins in sandboxed worker processes, either one job
// at a time from the shell or as a queue-backed service with an HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	statePath  string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		fmt.Fprintf(root.ErrOrStderr(), "plugbox: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "plugbox",
		Short:         "Run plugins in sandboxed worker processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to configuration file or directory (default: discovered)")
	root.PersistentFlags().StringVar(&flags.statePath, "state", "", "Override state.path (SQLite job history)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override service.log_level")

	root.AddCommand(
		newRunCmd(&flags),
		newServeCmd(&flags),
		newPluginCmd(&flags),
		newConfigCmd(&flags),
		newVersionCmd(),
	)
	return root
}

// exitError carries a process exit code without printing anything more.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
