// Package e2e runs the real plugbox-worker binary against the repo's echo
// plugin. Both are compiled with the local go toolchain, so the tests skip
// in -short mode or when go is not on PATH.
package e2e

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plugbox/internal/dispatch"
	"github.com/mattjoyce/plugbox/internal/jobs"
	"github.com/mattjoyce/plugbox/internal/plugin"
	"github.com/mattjoyce/plugbox/internal/storage"
	"github.com/mattjoyce/plugbox/internal/trace"
	"github.com/mattjoyce/plugbox/internal/workspace"
)

type stack struct {
	disp   *dispatch.Dispatcher
	traces *trace.Registry
	root   string
}

func setup(t *testing.T) *stack {
	t.Helper()
	if testing.Short() {
		t.Skip("builds binaries")
	}
	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not on PATH")
	}

	repo := repoRoot(t)
	root := t.TempDir()
	pluginDir := filepath.Join(root, "plugins", "echo")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))

	manifest, err := os.ReadFile(filepath.Join(repo, "plugins", "echo", "manifest.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "manifest.yaml"), manifest, 0o644))

	workerBin := filepath.Join(root, "bin", "plugbox-worker")
	build(t, goBin, repo, filepath.Join(pluginDir, "echo"), "./plugins/echo")
	build(t, goBin, repo, workerBin, "./cmd/plugbox-worker")

	reg, err := plugin.Discover(filepath.Join(root, "plugins"), nil)
	require.NoError(t, err)
	_, ok := reg.Get("echo")
	require.True(t, ok, "echo plugin not discovered")

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(root, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ws, err := workspace.NewFSManager(filepath.Join(root, "work"), filepath.Join(root, "data"))
	require.NoError(t, err)

	traces := trace.NewRegistry()
	t.Cleanup(traces.Close)

	disp := dispatch.New(jobs.New(db), reg, traces, ws, dispatch.Options{
		WorkerCommand:  []string{workerBin},
		LoadTimeout:    10 * time.Second,
		StartTimeout:   10 * time.Second,
		DestroyTimeout: 2 * time.Second,
	})
	return &stack{disp: disp, traces: traces, root: root}
}

func build(t *testing.T, goBin, dir, out, pkg string) {
	t.Helper()
	cmd := exec.Command(goBin, "build", "-o", out, pkg)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "go build %s: %s", pkg, output)
}

// run submits a job, records its whole trace and executes it in place.
func (s *stack) run(t *testing.T, args ...string) (*jobs.Job, []trace.Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw[i] = json.RawMessage(a)
	}
	id, err := s.disp.Submit(ctx, "echo", raw, "e2e")
	require.NoError(t, err)

	hub, ok := s.traces.Get(id)
	require.True(t, ok)
	var (
		mu     sync.Mutex
		events []trace.Event
	)
	record := func(e trace.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	hub.SubscribeLogs(record)
	hub.SubscribeEvents(record)

	job, err := s.disp.ExecuteNow(ctx, id)
	require.NoError(t, err)
	require.NoError(t, hub.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()
	return job, append([]trace.Event(nil), events...)
}

func TestEchoPlugin_RoundTrip(t *testing.T) {
	s := setup(t)

	job, events := s.run(t, `"hello"`, `{"stderr":"side note"}`)
	require.Equal(t, jobs.StatusSucceeded, job.Status, "last error: %v", job.LastError)

	var result struct {
		Plugin string `json:"plugin"`
		Runs   int    `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, "echo", result.Plugin)
	assert.Equal(t, 1, result.Runs)

	var info, warn []string
	for _, e := range events {
		if e.Kind != trace.KindLog {
			continue
		}
		switch e.Level {
		case trace.LevelInfo:
			info = append(info, e.Text)
		case trace.LevelWarn:
			warn = append(warn, e.Text)
		}
	}
	assert.Contains(t, info, "[info] echoing 2 argument(s) for job "+job.ID)
	assert.Contains(t, warn, "side note")
	assert.DirExists(t, filepath.Join(s.root, "data", job.ID))
}

func TestEchoPlugin_ErrorStatus(t *testing.T) {
	s := setup(t)

	job, _ := s.run(t, `{"fail":"nope"}`)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "nope")
}

func repoRoot(t *testing.T) string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// internal/e2e -> internal -> repo root
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
