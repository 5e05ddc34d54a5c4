package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/plugbox/internal/plugin"
	"github.com/mattjoyce/plugbox/internal/protocol"
)

const terminationGracePeriod = 5 * time.Second

// Runner executes one plugin invocation.
type Runner interface {
	Run(ctx context.Context, p *plugin.Plugin, req *protocol.Request) (*protocol.Response, error)
}

// ExecRunner runs a plugin entrypoint as a child process speaking the
// stdin/stdout JSON envelope. Plugin stderr is streamed to Stderr as it is
// produced; entries in the response's logs are written to Stdout, one per line.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	// Env is appended to the worker's own environment.
	Env    []string
	Logger *slog.Logger
	// GracePeriod between SIGTERM and SIGKILL on timeout. Zero means 5s.
	GracePeriod time.Duration
}

// Run implements Runner. A manifest timeout, when set, bounds the run;
// otherwise only ctx does.
func (r *ExecRunner) Run(ctx context.Context, p *plugin.Plugin, req *protocol.Request) (*protocol.Response, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("plugin", p.Name)

	if p.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.StartTimeout)
		defer cancel()
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.DeadlineAt = deadline.UTC()
	}

	// Termination is managed below rather than through CommandContext so
	// the plugin gets SIGTERM and a grace period first.
	cmd := exec.Command(p.Entrypoint)
	cmd.Dir = req.WorkspaceDir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env,
		"PLUGBOX_JOB_ID="+req.JobID,
		"PLUGBOX_DATA_DIR="+req.DataDir,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = r.stderr()
	// Grandchildren holding our pipes must not stall Wait after a kill.
	cmd.WaitDelay = r.gracePeriod()

	logger.Debug("spawning plugin", "entrypoint", p.Entrypoint)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start plugin: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, req)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Warn("plugin run interrupted, sending SIGTERM", "reason", ctx.Err())
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(r.gracePeriod())
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("plugin exited after SIGTERM")
		case <-grace.C:
			logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}
		<-writeErr
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("plugin %s timed out", p.Name)
		}
		return nil, fmt.Errorf("plugin %s: %w", p.Name, ctx.Err())

	case err := <-waitErr:
		if werr := <-writeErr; werr != nil {
			return nil, fmt.Errorf("write request: %w", werr)
		}

		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, fmt.Errorf("wait for plugin: %w", err)
			}
			logger.Warn("plugin exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, raw, derr := protocol.DecodeResponseLenient(&stdout)
		if derr != nil {
			logger.Error("failed to decode plugin response", "error", derr, "stdout", truncate(string(raw)))
			if err != nil {
				return nil, fmt.Errorf("plugin %s failed: %w", p.Name, err)
			}
			return nil, fmt.Errorf("decode response: %w", derr)
		}

		r.writeLogs(resp.Logs)
		if err != nil && resp.Status == "ok" {
			return nil, fmt.Errorf("plugin %s reported ok but %w", p.Name, err)
		}
		return resp, nil
	}
}

func (r *ExecRunner) writeLogs(entries []protocol.LogEntry) {
	if r.Stdout == nil {
		return
	}
	for _, e := range entries {
		fmt.Fprintf(r.Stdout, "[%s] %s\n", e.Level, e.Message)
	}
}

func (r *ExecRunner) stderr() io.Writer {
	if r.Stderr == nil {
		return io.Discard
	}
	return r.Stderr
}

func (r *ExecRunner) gracePeriod() time.Duration {
	if r.GracePeriod > 0 {
		return r.GracePeriod
	}
	return terminationGracePeriod
}

func truncate(s string) string {
	const maxLen = 2048
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...(truncated)"
}
