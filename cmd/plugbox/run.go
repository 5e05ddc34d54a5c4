package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/plugbox/internal/jobs"
	"github.com/mattjoyce/plugbox/internal/log"
	"github.com/mattjoyce/plugbox/internal/trace"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		jsonOut bool
		steps   bool
	)
	cmd := &cobra.Command{
		Use:   "run <plugin> [args...]",
		Short: "Run one plugin job in-process and print its trace",
		Long: `Run executes a single job without the queue: it bootstraps a sandbox
worker, runs the plugin once and prints the job's log lines as they arrive.
Each argument is passed as JSON when it parses as JSON, otherwise as a string.
The exit status is 0 only when the job succeeded.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			level := cfg.Service.LogLevel
			if flags.logLevel == "" {
				// Keep the terminal for the job's own output.
				level = "warn"
			}
			log.Setup(level, "text", os.Stderr)

			ctx := cmd.Context()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.disp.Submit(ctx, args[0], pluginArgs(args[1:]), "cli")
			if err != nil {
				return err
			}
			hub, ok := a.traces.Get(id)
			if !ok {
				return fmt.Errorf("trace for job %s vanished", id)
			}

			p := &tracePrinter{w: cmd.OutOrStdout(), json: jsonOut, steps: steps}
			hub.SubscribeLogs(p.print)
			hub.SubscribeEvents(p.print)

			job, err := a.disp.ExecuteNow(ctx, id)
			if err != nil {
				return err
			}
			if err := hub.Wait(ctx); err != nil {
				return err
			}
			return reportJob(cmd.OutOrStdout(), job, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print trace events and the job record as JSON lines")
	cmd.Flags().BoolVar(&steps, "steps", false, "Print job step boundaries")
	return cmd
}

// pluginArgs turns command line words into JSON values.
func pluginArgs(words []string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(words))
	for _, w := range words {
		if json.Valid([]byte(w)) {
			out = append(out, json.RawMessage(w))
			continue
		}
		b, _ := json.Marshal(w)
		out = append(out, b)
	}
	return out
}

// tracePrinter renders hub events. Listeners for the two streams run on
// different goroutines, so writes are serialized.
type tracePrinter struct {
	mu    sync.Mutex
	w     io.Writer
	json  bool
	steps bool
}

func (p *tracePrinter) print(e trace.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		b, err := json.Marshal(e)
		if err == nil {
			fmt.Fprintf(p.w, "%s\n", b)
		}
		return
	}
	switch e.Kind {
	case trace.KindLog:
		fmt.Fprintf(p.w, "%-5s %s\n", e.Level, e.Text)
	case trace.KindJobStatus:
		if e.Step != "" && p.steps {
			fmt.Fprintf(p.w, "----- %s %s\n", e.Step, e.StepAction)
		}
	}
}

func reportJob(w io.Writer, job *jobs.Job, jsonOut bool) error {
	if jsonOut {
		b, err := json.Marshal(job)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", b)
	} else {
		fmt.Fprintf(w, "job %s %s\n", job.ID, job.Status)
		if len(job.Result) > 0 {
			fmt.Fprintf(w, "%s\n", job.Result)
		}
		if job.LastError != nil {
			fmt.Fprintf(w, "error: %s\n", *job.LastError)
		}
	}
	if job.Status != jobs.StatusSucceeded {
		return exitError{code: 1}
	}
	return nil
}
