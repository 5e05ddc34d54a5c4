package trace

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreateGetDestroy(t *testing.T) {
	r := NewRegistry()

	h, err := r.Create(Options{})
	require.NoError(t, err)
	require.NotEmpty(t, h.ID())

	got, ok := r.Get(h.ID())
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, r.Len())

	events := &eventRecorder{}
	h.SubscribeEvents(events.add)

	r.Destroy(h.ID(), errors.New("boom"))

	_, ok = r.Get(h.ID())
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, []Event{NewLog(LevelError, "boom")}, events.all())
}

func TestRegistryGeneratesDistinctIDs(t *testing.T) {
	r := NewRegistry()
	t.Cleanup(r.Close)

	a, err := r.Create(Options{})
	require.NoError(t, err)
	b, err := r.Create(Options{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestRegistryExplicitIDCollision(t *testing.T) {
	r := NewRegistry()
	t.Cleanup(r.Close)

	_, err := r.Create(Options{ID: "job-42"})
	require.NoError(t, err)

	_, err = r.Create(Options{ID: "job-42"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryDestroyUnknownIsNoOp(t *testing.T) {
	r := NewRegistry()

	assert.NotPanics(t, func() { r.Destroy("does-not-exist", nil) })
	assert.NotPanics(t, func() { r.Destroy("does-not-exist", errors.New("late failure")) })

	h, err := r.Create(Options{ID: "job-1"})
	require.NoError(t, err)
	r.Destroy("job-1", nil)
	assert.NotPanics(t, func() { r.Destroy("job-1", nil) })
	require.NoError(t, h.Wait(context.Background()))
}

func TestRegistryCreateFileSinkFailure(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()

	_, err := r.Create(Options{ID: "job-bad", StderrFile: dir})
	require.Error(t, err)

	_, ok := r.Get("job-bad")
	assert.False(t, ok, "failed create must not register the hub")
}

func TestRegistryCreateWithFiles(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()

	h, err := r.Create(Options{
		StdoutFile: filepath.Join(dir, "out.log"),
		StderrFile: filepath.Join(dir, "err.log"),
	})
	require.NoError(t, err)
	_, err = h.LogSink(Stdout).Write([]byte("x\n"))
	require.NoError(t, err)

	r.Destroy(h.ID(), nil)
	require.NoError(t, h.Wait(context.Background()))
	assert.FileExists(t, filepath.Join(dir, "out.log"))
	assert.FileExists(t, filepath.Join(dir, "err.log"))
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry()
	a, err := r.Create(Options{})
	require.NoError(t, err)
	b, err := r.Create(Options{})
	require.NoError(t, err)

	r.Close()

	assert.Equal(t, 0, r.Len())
	require.NoError(t, a.Wait(context.Background()))
	require.NoError(t, b.Wait(context.Background()))
}
