package runnable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// processHandle is what a Runnable needs from its child.
type processHandle interface {
	PID() int
	Running() bool
	Exited() <-chan struct{}
	Wait(ctx context.Context) error
	Kill() error
}

// failer is implemented by sinks that want to hear about broken streams,
// such as trace.Splitter.
type failer interface {
	Fail(err error)
}

type spawnSpec struct {
	Path       string
	Args       []string
	Dir        string
	Env        []string
	Stdout     io.Writer
	Stderr     io.Writer
	ExtraFiles []*os.File
	Logger     *slog.Logger
}

// Process is an exclusively owned child process. Its stdout and stderr are
// pumped into the configured writers until the child exits. The child runs
// in its own process group so Kill also reaches anything it spawned.
type Process struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	exited  chan struct{}
	exitErr error
}

var _ processHandle = (*Process)(nil)

func spawn(spec spawnSpec) (*Process, error) {
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = os.Stdin
	cmd.ExtraFiles = spec.ExtraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		logger: logger.With("pid", cmd.Process.Pid),
		exited: make(chan struct{}),
	}

	var pumps errgroup.Group
	pumps.Go(func() error { return pump(stdout, spec.Stdout) })
	pumps.Go(func() error { return pump(stderr, spec.Stderr) })

	go func() {
		// Both pipes must be drained before Wait closes them.
		if err := pumps.Wait(); err != nil {
			p.logger.Warn("worker output pump failed", "error", err)
		}
		p.exitErr = cmd.Wait()
		p.logger.Debug("worker exited", "error", p.exitErr)
		close(p.exited)
	}()

	return p, nil
}

func pump(r io.Reader, w io.Writer) error {
	if w == nil {
		w = io.Discard
	}
	_, err := io.Copy(w, r)
	if err != nil {
		if f, ok := w.(failer); ok {
			f.Fail(err)
		}
		return err
	}
	return nil
}

// PID returns the child's process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Running reports whether the child has not been reaped yet.
func (p *Process) Running() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Exited is closed once the child has exited and its output is drained.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Wait blocks until the child exits or ctx ends. It returns ctx's error in
// the latter case and nil once the child is gone, whatever its exit status.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitErr is the child's exit status. Only meaningful after Exited.
func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

// Kill sends SIGKILL to the child's process group. Killing an exited child
// is not an error.
func (p *Process) Kill() error {
	if !p.Running() {
		return nil
	}
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill worker group: %w", err)
	}
	return nil
}
