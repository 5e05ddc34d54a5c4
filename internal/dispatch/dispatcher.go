package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/plugbox/internal/channel"
	"github.com/mattjoyce/plugbox/internal/jobs"
	"github.com/mattjoyce/plugbox/internal/log"
	"github.com/mattjoyce/plugbox/internal/plugin"
	"github.com/mattjoyce/plugbox/internal/runnable"
	"github.com/mattjoyce/plugbox/internal/trace"
	"github.com/mattjoyce/plugbox/internal/workspace"
)

// maxStderrBytes caps the stderr tail kept with a finished job.
const maxStderrBytes = 64 * 1024

// Job steps, in execution order.
const (
	StepBootstrap = "bootstrap"
	StepLink      = "link"
	StepStart     = "start"
	StepValueOf   = "value_of"
	StepDestroy   = "destroy"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrPluginNotFound is returned by Submit for unknown plugins.
	ErrPluginNotFound = errors.New("plugin not found")
	// ErrQueueFull is returned by Submit when MaxQueued jobs are waiting.
	ErrQueueFull = errors.New("job queue is full")
)

// Options configures a Dispatcher.
type Options struct {
	// WorkerCommand is the worker executable and its arguments.
	WorkerCommand []string
	// WorkerEnv is added to every worker's environment.
	WorkerEnv []string

	LoadTimeout    time.Duration
	StartTimeout   time.Duration
	DestroyTimeout time.Duration

	// Workers is the number of jobs executed concurrently.
	Workers      int
	PollInterval time.Duration
	// MaxQueued bounds the jobs waiting to run. Zero means unbounded.
	MaxQueued int

	// LogDir, when set, receives <job id>.stdout.log and <job id>.stderr.log.
	LogDir string
}

// Dispatcher turns submitted jobs into sandboxed runs. Each job gets its own
// trace hub, created at submit time so observers can subscribe before the
// job starts, and its own Runnable.
type Dispatcher struct {
	store      *jobs.Store
	plugins    *plugin.Registry
	traces     *trace.Registry
	workspaces workspace.Manager
	opts       Options
	logger     *slog.Logger

	wake chan struct{}
}

// New creates a Dispatcher. Call Run to start executing jobs.
func New(store *jobs.Store, plugins *plugin.Registry, traces *trace.Registry, ws workspace.Manager, opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Dispatcher{
		store:      store,
		plugins:    plugins,
		traces:     traces,
		workspaces: ws,
		opts:       opts,
		logger:     log.WithComponent("dispatch"),
		wake:       make(chan struct{}, 1),
	}
}

// Traces exposes the registry for observers such as the API.
func (d *Dispatcher) Traces() *trace.Registry { return d.traces }

// Submit records a queued job for pluginName and returns its id. The job's
// trace hub exists when Submit returns.
func (d *Dispatcher) Submit(ctx context.Context, pluginName string, args []json.RawMessage, submittedBy string) (string, error) {
	if _, ok := d.plugins.Get(pluginName); !ok {
		return "", fmt.Errorf("%w: %q", ErrPluginNotFound, pluginName)
	}
	if args == nil {
		args = []json.RawMessage{}
	}
	if d.opts.MaxQueued > 0 {
		n, err := d.store.Depth(ctx)
		if err != nil {
			return "", err
		}
		if n >= d.opts.MaxQueued {
			return "", fmt.Errorf("%w (%d waiting)", ErrQueueFull, n)
		}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode args: %w", err)
	}

	id := uuid.NewString()
	hub, err := d.createTrace(id)
	if err != nil {
		return "", err
	}

	if _, err := d.store.Enqueue(ctx, jobs.EnqueueRequest{
		ID:          id,
		Plugin:      pluginName,
		Args:        rawArgs,
		SubmittedBy: submittedBy,
	}); err != nil {
		d.traces.Destroy(id, err)
		return "", err
	}

	hub.Publish(trace.NewJobStatus(string(jobs.StatusQueued)).WithQueueLength(d.depth(ctx)))
	log.WithJob(id).Info("job submitted", "plugin", pluginName, "submitted_by", submittedBy)

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return id, nil
}

func (d *Dispatcher) createTrace(id string) (*trace.Hub, error) {
	opts := trace.Options{ID: id}
	if d.opts.LogDir != "" {
		if err := os.MkdirAll(d.opts.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		opts.StdoutFile = filepath.Join(d.opts.LogDir, id+".stdout.log")
		opts.StderrFile = filepath.Join(d.opts.LogDir, id+".stderr.log")
	}
	return d.traces.Create(opts)
}

// Run executes queued jobs with Options.Workers concurrent loops until ctx
// is cancelled. Jobs left running by a previous process are failed first,
// even when ctx is already done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if n, err := d.store.RecoverOrphans(context.WithoutCancel(ctx)); err != nil {
		return err
	} else if n > 0 {
		d.logger.Warn("failed orphaned jobs from previous run", "count", n)
	}

	d.logger.Info("dispatch started", "workers", d.opts.Workers)
	defer d.logger.Info("dispatch stopped")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error { return d.loop(gctx, i) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) loop(ctx context.Context, worker int) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.drain(ctx); err != nil {
			d.logger.Error("failed to process jobs", "worker", worker, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// drain executes jobs until the queue is empty.
func (d *Dispatcher) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		job, err := d.store.Dequeue(ctx)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if job == nil {
			return nil
		}
		d.Execute(ctx, job)
	}
	return nil
}

// ExecuteNow claims the queued job id and runs it on the calling goroutine,
// ahead of anything else in the queue.
func (d *Dispatcher) ExecuteNow(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := d.store.Claim(ctx, id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Execute(ctx, job)
	return d.Get(ctx, id)
}

// Execute runs one dequeued job to completion, records the outcome and
// destroys the job's trace with the job error, if any.
func (d *Dispatcher) Execute(ctx context.Context, job *jobs.Job) {
	logger := log.WithJob(job.ID).With("plugin", job.Plugin)
	logger.Info("executing job")

	hub, ok := d.traces.Get(job.ID)
	if !ok {
		// Queued by an earlier process.
		var err error
		if hub, err = d.createTrace(job.ID); err != nil {
			logger.Error("cannot create trace", "error", err)
			msg := err.Error()
			d.complete(job.ID, jobs.Completion{Status: jobs.StatusFailed, LastError: &msg})
			return
		}
	}

	stderr := &tailBuffer{max: maxStderrBytes}
	hub.SubscribeLogs(func(e trace.Event) {
		if e.Level == trace.LevelWarn {
			stderr.WriteLine(e.Text)
		}
	})

	exec := &execution{d: d, job: job, hub: hub, logger: logger}
	result, err := exec.run(ctx)

	c := jobs.Completion{Status: jobs.StatusSucceeded, Result: result}
	if err != nil {
		msg := err.Error()
		c.Status = jobs.StatusFailed
		if errors.Is(err, channel.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			c.Status = jobs.StatusTimedOut
		}
		c.LastError = &msg
		logger.Warn("job failed", "status", c.Status, "error", err)
	} else {
		logger.Info("job completed successfully")
	}
	if tail := stderr.String(); tail != "" {
		c.Stderr = &tail
	}

	d.complete(job.ID, c)
	hub.Publish(trace.NewJobStatus(string(c.Status)).WithQueueLength(d.depth(ctx)))
	d.traces.Destroy(job.ID, err)
}

func (d *Dispatcher) complete(id string, c jobs.Completion) {
	// Recording the outcome must survive shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.Complete(ctx, id, c); err != nil {
		d.logger.Error("failed to complete job", "job_id", id, "error", err)
	}
}

// QueueDepth returns the number of jobs waiting to run.
func (d *Dispatcher) QueueDepth(ctx context.Context) (int, error) {
	return d.store.Depth(ctx)
}

func (d *Dispatcher) depth(ctx context.Context) int {
	n, err := d.store.Depth(ctx)
	if err != nil {
		d.logger.Debug("queue depth unavailable", "error", err)
		return 0
	}
	return n
}

// Get returns the job record for id.
func (d *Dispatcher) Get(ctx context.Context, id string) (*jobs.Job, error) {
	j, err := d.store.Get(ctx, id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return nil, ErrJobNotFound
	}
	return j, err
}

// List returns recent jobs, newest first.
func (d *Dispatcher) List(ctx context.Context, limit int) ([]*jobs.Job, error) {
	return d.store.List(ctx, limit)
}

// WaitForJob blocks until job id is terminal or ctx ends.
func (d *Dispatcher) WaitForJob(ctx context.Context, id string) (*jobs.Job, error) {
	if hub, ok := d.traces.Get(id); ok {
		if err := hub.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		j, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// execution is the per-job sequence bootstrap, link, start, value_of, destroy.
type execution struct {
	d      *Dispatcher
	job    *jobs.Job
	hub    *trace.Hub
	logger *slog.Logger
}

func (e *execution) step(ctx context.Context, name string, action trace.StepAction) {
	e.hub.Publish(trace.NewJobStatus(string(jobs.StatusRunning)).
		WithStep(name, action).
		WithQueueLength(e.d.depth(ctx)))
}

func (e *execution) run(ctx context.Context) (json.RawMessage, error) {
	p, ok := e.d.plugins.Get(e.job.Plugin)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPluginNotFound, e.job.Plugin)
	}
	pkg, err := p.Package()
	if err != nil {
		return nil, err
	}

	var args []json.RawMessage
	if err := json.Unmarshal(e.job.Args, &args); err != nil {
		return nil, fmt.Errorf("decode job args: %w", err)
	}

	sb, err := e.d.workspaces.Ensure(ctx, e.job.ID)
	if err != nil {
		return nil, fmt.Errorf("prepare sandbox: %w", err)
	}
	defer func() {
		if err := e.d.workspaces.Release(context.Background(), e.job.ID); err != nil {
			e.logger.Warn("failed to release sandbox", "error", err)
		}
	}()

	startTimeout := e.d.opts.StartTimeout
	if p.StartTimeout > 0 {
		startTimeout = p.StartTimeout
	}
	r := runnable.New(runnable.Config{
		ID:             e.job.ID,
		Entrypoint:     e.d.opts.WorkerCommand,
		Env:            e.d.opts.WorkerEnv,
		WorkDir:        sb.WorkDir,
		DataDir:        sb.DataDir,
		LoadTimeout:    e.d.opts.LoadTimeout,
		StartTimeout:   startTimeout,
		DestroyTimeout: e.d.opts.DestroyTimeout,
		Stdout:         e.hub.LogSink(trace.Stdout),
		Stderr:         e.hub.LogSink(trace.Stderr),
	})

	e.step(ctx, StepBootstrap, trace.StepStart)
	err = r.Bootstrap(ctx)
	e.step(ctx, StepBootstrap, trace.StepEnd)
	if err != nil {
		return nil, err
	}
	defer func() {
		e.step(ctx, StepDestroy, trace.StepStart)
		r.Destroy(context.Background())
		e.step(ctx, StepDestroy, trace.StepEnd)
	}()

	if err := e.d.store.SetWorkerPID(ctx, e.job.ID, r.PID()); err != nil {
		e.logger.Debug("could not record worker pid", "error", err)
	}

	e.step(ctx, StepLink, trace.StepStart)
	linked, err := plugin.Link(pkg, sb.WorkDir)
	e.step(ctx, StepLink, trace.StepEnd)
	if err != nil {
		return nil, err
	}

	startArgs := make([]any, len(args))
	for i, a := range args {
		startArgs[i] = a
	}
	e.step(ctx, StepStart, trace.StepStart)
	h, err := r.Start(ctx, linked, startArgs...)
	e.step(ctx, StepStart, trace.StepEnd)
	if err != nil {
		return nil, err
	}

	e.step(ctx, StepValueOf, trace.StepStart)
	v, err := r.ValueOf(ctx, h)
	e.step(ctx, StepValueOf, trace.StepEnd)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// tailBuffer keeps the last max bytes of the lines written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   strings.Builder
}

func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b.WriteString(line)
	t.b.WriteByte('\n')
	if t.b.Len() > 2*t.max {
		s := t.b.String()
		t.b.Reset()
		t.b.WriteString(s[len(s)-t.max:])
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.b.String()
	if len(s) > t.max {
		s = s[len(s)-t.max:]
	}
	return s
}
