// Package runnable supervises one sandboxed worker process per job: it
// spawns the worker, handshakes over the RPC side-channel, drives
// load/start/value_of calls and guarantees the process is gone after
// Destroy.
package runnable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/plugbox/internal/channel"
	"github.com/mattjoyce/plugbox/internal/log"
	"github.com/mattjoyce/plugbox/internal/plugin"
	"github.com/mattjoyce/plugbox/internal/worker"
)

const (
	DefaultLoadTimeout    = 10 * time.Second
	DefaultStartTimeout   = 60 * time.Second
	DefaultDestroyTimeout = 1000 * time.Millisecond

	// killWait bounds how long Destroy waits for the kernel to reap a
	// killed worker.
	killWait = 5 * time.Second
)

// State is the lifecycle state of a Runnable.
type State string

const (
	StateInit  State = "init"
	StateIdle  State = "idle"
	StateBusy  State = "busy"
	StateError State = "error"
)

var (
	// ErrNotInit is returned by Bootstrap on a Runnable that already ran it.
	ErrNotInit = errors.New("runnable is not in init state")
	// ErrNotIdle is returned by Start when another start is in flight or
	// the Runnable was never bootstrapped.
	ErrNotIdle = errors.New("runnable is not idle")
	// ErrNotConnected is returned by calls that need a live worker.
	ErrNotConnected = errors.New("runnable worker is not connected")
	// ErrHandshakeRejected is a negative handshake acknowledgement.
	ErrHandshakeRejected = errors.New("worker rejected handshake")
)

// Config is everything a Runnable needs to spawn and talk to its worker.
type Config struct {
	// ID is sent in the handshake and used to name the sandbox. Empty
	// means a generated uuid.
	ID string
	// Entrypoint is the worker executable followed by its arguments.
	Entrypoint []string
	// Env is appended to the parent's environment for the worker.
	Env     []string
	WorkDir string
	DataDir string

	// LoadTimeout bounds the handshake, each load and each value_of call.
	LoadTimeout time.Duration
	// StartTimeout bounds each start call.
	StartTimeout time.Duration
	// DestroyTimeout is how long the worker gets to acknowledge destroy and
	// exit on its own before it is killed.
	DestroyTimeout time.Duration

	// Stdout and Stderr receive the worker's raw output, typically the two
	// sinks of a trace hub.
	Stdout io.Writer
	Stderr io.Writer
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = DefaultLoadTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.DestroyTimeout <= 0 {
		c.DestroyTimeout = DefaultDestroyTimeout
	}
}

// Runnable owns one worker process and its channel. It is not shared
// across jobs.
type Runnable struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	booting  bool
	canceled bool
	proc     processHandle
	ch       channel.Channel
}

// New returns a Runnable in the init state. Nothing is spawned until Bootstrap.
func New(cfg Config) *Runnable {
	cfg.applyDefaults()
	return &Runnable{
		cfg:    cfg,
		logger: log.WithComponent("runnable").With("runnable_id", cfg.ID),
		state:  StateInit,
	}
}

// ID returns the runnable id sent in the handshake.
func (r *Runnable) ID() string { return r.cfg.ID }

// State returns the current lifecycle state.
func (r *Runnable) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Canceled reports whether Destroy has been called on a connected worker.
func (r *Runnable) Canceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

// PID returns the worker's process id, or 0 before Bootstrap succeeds.
func (r *Runnable) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc == nil {
		return 0
	}
	return r.proc.PID()
}

// Connected reports whether a handshaken worker is still running.
func (r *Runnable) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedLocked()
}

func (r *Runnable) connectedLocked() bool {
	return r.ch != nil && r.proc != nil && r.proc.Running()
}

// Bootstrap prepares the sandbox directories, spawns the worker and
// handshakes with it. On any failure the worker is torn down and the
// Runnable stays in init.
func (r *Runnable) Bootstrap(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateInit || r.booting {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotInit, state)
	}
	r.booting = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.booting = false
		r.mu.Unlock()
	}()

	if len(r.cfg.Entrypoint) == 0 {
		return fmt.Errorf("worker entrypoint is required")
	}
	for _, dir := range []string{r.cfg.WorkDir, r.cfg.DataDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("prepare sandbox dir: %w", err)
		}
	}

	// callR/replyW become the worker's fds 3 and 4.
	callR, callW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create call pipe: %w", err)
	}
	replyR, replyW, err := os.Pipe()
	if err != nil {
		callR.Close()
		callW.Close()
		return fmt.Errorf("create reply pipe: %w", err)
	}

	env := append([]string{worker.EnvDataDir + "=" + r.cfg.DataDir}, r.cfg.Env...)
	proc, err := spawn(spawnSpec{
		Path:       r.cfg.Entrypoint[0],
		Args:       r.cfg.Entrypoint[1:],
		Dir:        r.cfg.WorkDir,
		Env:        env,
		Stdout:     r.cfg.Stdout,
		Stderr:     r.cfg.Stderr,
		ExtraFiles: []*os.File{callR, replyW},
		Logger:     r.logger,
	})
	// The child holds its own copies now.
	callR.Close()
	replyW.Close()
	if err != nil {
		callW.Close()
		replyR.Close()
		return err
	}

	conn := channel.NewConn(replyR, callW)
	r.logger.Debug("worker spawned", "pid", proc.PID())

	hctx, cancel := context.WithTimeout(ctx, r.cfg.LoadTimeout)
	acked, err := conn.Handshake(hctx, r.cfg.ID)
	cancel()
	if err == nil && !acked {
		err = ErrHandshakeRejected
	}
	if err != nil {
		r.logger.Warn("bootstrap failed, tearing down worker", "error", err)
		r.teardown(proc, conn)
		return fmt.Errorf("bootstrap %s: %w", r.cfg.ID, err)
	}

	r.mu.Lock()
	r.proc = proc
	r.ch = conn
	r.state = StateIdle
	r.mu.Unlock()

	go r.watch(proc)
	r.logger.Info("worker ready", "pid", proc.PID())
	return nil
}

func (r *Runnable) watch(proc processHandle) {
	<-proc.Exited()
	if !r.Canceled() {
		r.logger.Warn("worker exited unexpectedly")
	}
}

// Start runs pkg in the worker and returns the handle of its result. It
// fails with ErrNotIdle, without touching the channel, unless the Runnable
// is idle. The Runnable is back in idle by the time Start returns, whether
// or not the calls succeeded.
func (r *Runnable) Start(ctx context.Context, pkg plugin.Package, args ...any) (channel.Handle, error) {
	r.mu.Lock()
	if r.state != StateIdle {
		state := r.state
		r.mu.Unlock()
		return "", fmt.Errorf("%w (state %s)", ErrNotIdle, state)
	}
	if r.ch == nil {
		r.mu.Unlock()
		return "", ErrNotConnected
	}
	r.state = StateBusy
	ch := r.ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		// A concurrent Destroy may have moved us to error; keep that.
		if r.state == StateBusy {
			r.state = StateIdle
		}
		r.mu.Unlock()
	}()

	lctx, cancel := context.WithTimeout(ctx, r.cfg.LoadTimeout)
	err := ch.Load(lctx, pkg)
	cancel()
	if err != nil {
		return "", fmt.Errorf("load %s: %w", pkg.Name, err)
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StartTimeout)
	defer cancel()
	h, err := ch.Start(sctx, pkg, args...)
	if err != nil {
		return "", fmt.Errorf("start %s: %w", pkg.Name, err)
	}
	return h, nil
}

// ValueOf materializes a handle returned by Start.
func (r *Runnable) ValueOf(ctx context.Context, h channel.Handle) (json.RawMessage, error) {
	r.mu.Lock()
	ch := r.ch
	r.mu.Unlock()
	if ch == nil {
		return nil, ErrNotConnected
	}

	vctx, cancel := context.WithTimeout(ctx, r.cfg.LoadTimeout)
	defer cancel()
	v, err := ch.ValueOf(vctx, h)
	if err != nil {
		return nil, fmt.Errorf("value of %s: %w", h, err)
	}
	return v, nil
}

// Destroy shuts the worker down. It is a no-op when no worker is connected.
// The worker gets DestroyTimeout to acknowledge and exit; if the destroy
// call fails or times out the Runnable moves to error and the worker's
// process group is killed. When Destroy returns the worker is gone.
func (r *Runnable) Destroy(ctx context.Context) {
	r.mu.Lock()
	if !r.connectedLocked() || r.canceled {
		// A worker that died on its own still holds the channel pipes.
		var stale channel.Channel
		if !r.canceled && r.ch != nil {
			stale, r.ch = r.ch, nil
		}
		r.mu.Unlock()
		if stale != nil {
			if err := stale.Close(); err != nil {
				r.logger.Debug("closing worker channel", "error", err)
			}
		}
		r.logger.Debug("destroy skipped, worker not connected")
		return
	}
	r.canceled = true
	proc, ch := r.proc, r.ch
	r.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, r.cfg.DestroyTimeout)
	defer cancel()

	if err := ch.Destroy(dctx); err != nil {
		r.mu.Lock()
		r.state = StateError
		r.mu.Unlock()
		r.logger.Warn("worker did not acknowledge destroy, killing", "error", err)
		r.kill(proc)
	} else if err := proc.Wait(dctx); err != nil {
		r.logger.Warn("worker acknowledged destroy but did not exit, killing")
		r.kill(proc)
	}

	if err := ch.Close(); err != nil {
		r.logger.Debug("closing worker channel", "error", err)
	}
	r.logger.Info("worker destroyed", "state", r.State())
}

func (r *Runnable) kill(proc processHandle) {
	if err := proc.Kill(); err != nil {
		r.logger.Error("failed to kill worker", "error", err)
	}
	wctx, cancel := context.WithTimeout(context.Background(), killWait)
	defer cancel()
	if err := proc.Wait(wctx); err != nil {
		r.logger.Error("killed worker was not reaped", "error", err)
	}
}

func (r *Runnable) teardown(proc processHandle, ch channel.Channel) {
	r.kill(proc)
	if err := ch.Close(); err != nil {
		r.logger.Debug("closing worker channel", "error", err)
	}
}
