package trace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newTestHub(t *testing.T, opts HubOptions) *Hub {
	t.Helper()
	h, err := NewHub("job-1", opts)
	require.NoError(t, err)
	return h
}

func TestHubStreamLevels(t *testing.T) {
	h := newTestHub(t, HubOptions{})
	logs := &eventRecorder{}
	h.SubscribeLogs(logs.add)

	_, err := h.LogSink(Stdout).Write([]byte("out line\n"))
	require.NoError(t, err)
	_, err = h.LogSink(Stderr).Write([]byte("err line\n"))
	require.NoError(t, err)

	h.Destroy(nil)

	assert.Equal(t, []Event{
		NewLog(LevelInfo, "out line"),
		NewLog(LevelWarn, "err line"),
	}, logs.all())
}

func TestHubPublishFanOut(t *testing.T) {
	h := newTestHub(t, HubOptions{})
	first, second, late := &eventRecorder{}, &eventRecorder{}, &eventRecorder{}
	logs := &eventRecorder{}

	h.SubscribeEvents(first.add)
	h.SubscribeEvents(second.add)
	h.SubscribeLogs(logs.add)

	running := NewJobStatus("running").WithStep("bootstrap", StepStart).WithQueueLength(3)
	h.Publish(running)

	h.SubscribeEvents(late.add)
	done := NewJobStatus("succeeded")
	h.Publish(done)

	assert.Equal(t, []Event{running, done}, first.all())
	assert.Equal(t, []Event{running, done}, second.all())
	assert.Equal(t, []Event{done}, late.all(), "late subscriber must not see earlier events")
	assert.Empty(t, logs.all(), "job_status events are not log lines")

	require.NotNil(t, running.QueueLength)
	assert.Equal(t, 3, *running.QueueLength)

	h.Destroy(nil)
}

func TestHubWaitResolvesOnlyAfterDestroy(t *testing.T) {
	h := newTestHub(t, HubOptions{})
	logs := &eventRecorder{}
	h.SubscribeLogs(logs.add)

	_, err := h.LogSink(Stdout).Write([]byte("partial"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)

	h.Destroy(nil)

	require.NoError(t, h.Wait(context.Background()))
	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Destroy")
	}
	assert.Equal(t, []Event{NewLog(LevelInfo, "partial")}, logs.all(), "pending fragment flushed on destroy")
}

func TestHubMultipleWaiters(t *testing.T) {
	h := newTestHub(t, HubOptions{})

	var wg sync.WaitGroup
	var resolved atomic.Int32
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.Wait(context.Background()) == nil {
				resolved.Add(1)
			}
		}()
	}

	h.Destroy(nil)
	wg.Wait()
	assert.Equal(t, int32(5), resolved.Load())
}

func TestHubDestroyDeliversErrorBeforeCompletion(t *testing.T) {
	h := newTestHub(t, HubOptions{})

	var got []Event
	var doneAtDelivery bool
	h.SubscribeEvents(func(e Event) {
		got = append(got, e)
		select {
		case <-h.Done():
			doneAtDelivery = true
		default:
		}
	})

	h.Destroy(errors.New("worker crashed"))

	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, []Event{NewLog(LevelError, "worker crashed")}, got)
	assert.False(t, doneAtDelivery, "error must be delivered before completion resolves")
}

func TestHubDestroyUnhandledErrorStillCompletes(t *testing.T) {
	h := newTestHub(t, HubOptions{})
	logs := &eventRecorder{}
	h.SubscribeLogs(logs.add)

	h.Destroy(errors.New("nobody listening"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
	assert.Empty(t, logs.all())
}

func TestHubDestroyTwice(t *testing.T) {
	h := newTestHub(t, HubOptions{})
	events := &eventRecorder{}
	h.SubscribeEvents(events.add)

	h.Destroy(errors.New("first"))
	h.Destroy(errors.New("second"))

	assert.Len(t, events.all(), 1)
}

func TestHubStreamFailureIsErrorEvent(t *testing.T) {
	h := newTestHub(t, HubOptions{})
	events := &eventRecorder{}
	h.SubscribeEvents(events.add)

	h.LogSink(Stderr).Fail(errors.New("read |0: bad file descriptor"))
	h.Destroy(nil)

	assert.Equal(t, []Event{NewLog(LevelError, "stderr: read |0: bad file descriptor")}, events.all())
}

func TestHubFileSinks(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "stdout.log")
	errPath := filepath.Join(dir, "stderr.log")

	h := newTestHub(t, HubOptions{StdoutFile: outPath, StderrFile: errPath})
	_, err := h.LogSink(Stdout).Write([]byte("hello\nworld"))
	require.NoError(t, err)
	_, err = h.LogSink(Stderr).Write([]byte("oops\n"))
	require.NoError(t, err)

	h.Destroy(nil)
	require.NoError(t, h.Wait(context.Background()))

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", string(out))

	errOut, err := os.ReadFile(errPath)
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))
}

func TestHubCompletionBarrierUnderConcurrentWrites(t *testing.T) {
	h := newTestHub(t, HubOptions{})

	var delivered atomic.Int64
	h.SubscribeLogs(func(Event) { delivered.Add(1) })

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream := Stdout
			if w%2 == 1 {
				stream = Stderr
			}
			for i := 0; ; i++ {
				if _, err := h.LogSink(stream).Write([]byte(fmt.Sprintf("w%d line %d\n", w, i))); err != nil {
					return
				}
				accepted.Add(1)
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	h.Destroy(nil)
	require.NoError(t, h.Wait(context.Background()))
	afterDone := delivered.Load()

	wg.Wait()
	assert.Equal(t, accepted.Load(), afterDone, "every accepted line reaches listeners before completion")
	assert.Equal(t, afterDone, delivered.Load(), "no lines after completion")
}
