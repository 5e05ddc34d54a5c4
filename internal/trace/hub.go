package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Hub multiplexes one job's output and lifecycle events to subscribers.
// Listeners live as long as the hub; there is no unsubscribe.
type Hub struct {
	id     string
	logger *slog.Logger

	mu             sync.RWMutex
	logListeners   []func(Event)
	eventListeners []func(Event)

	stdout *Splitter
	stderr *Splitter

	open      atomic.Int32
	done      chan struct{}
	destroyed atomic.Bool
}

// HubOptions configures a hub. Empty file paths disable durable capture.
type HubOptions struct {
	StdoutFile string
	StderrFile string
	Logger     *slog.Logger
}

// NewHub builds a hub with its two stream splitters. Most callers should
// go through Registry.Create instead.
func NewHub(id string, opts HubOptions) (*Hub, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		id:     id,
		logger: logger.With("trace_id", id),
		done:   make(chan struct{}),
	}
	h.open.Store(2)

	var err error
	h.stdout, err = h.newSplitter(Stdout, opts.StdoutFile)
	if err != nil {
		return nil, err
	}
	h.stderr, err = h.newSplitter(Stderr, opts.StderrFile)
	if err != nil {
		_ = h.stdout.Close()
		return nil, err
	}
	return h, nil
}

func (h *Hub) newSplitter(stream Stream, path string) (*Splitter, error) {
	level := stream.level()
	s, err := NewSplitter(
		func(line string) { h.dispatchLog(NewLog(level, line)) },
		SplitterOptions{
			FilePath: path,
			OnError: func(err error) {
				h.dispatchEvent(NewLog(LevelError, fmt.Sprintf("%s: %v", stream, err)))
			},
			OnClose: h.streamClosed,
			Logger:  h.logger.With("stream", string(stream)),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s sink: %w", stream, err)
	}
	return s, nil
}

// ID returns the job identifier the hub was created for.
func (h *Hub) ID() string { return h.id }

// Publish delivers e to every event listener registered so far.
func (h *Hub) Publish(e Event) {
	h.dispatchEvent(e)
}

// SubscribeLogs registers fn for every line read from stdout or stderr.
func (h *Hub) SubscribeLogs(fn func(Event)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.logListeners = append(h.logListeners, fn)
	h.mu.Unlock()
}

// SubscribeEvents registers fn for job_status events and error-level
// events (broken streams, errors passed to Destroy).
func (h *Hub) SubscribeEvents(fn func(Event)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.eventListeners = append(h.eventListeners, fn)
	h.mu.Unlock()
}

// LogSink returns the splitter a producer should write raw stream bytes to.
func (h *Hub) LogSink(stream Stream) *Splitter {
	if stream == Stderr {
		return h.stderr
	}
	return h.stdout
}

// Done is closed once both stream splitters have been finalized.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until Done is closed or ctx ends.
func (h *Hub) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy finalizes both streams and resolves Done. A non-nil err is handed
// to the event listeners first, or logged as unhandled when there are none.
// Destroying twice is a logged no-op.
func (h *Hub) Destroy(err error) {
	if !h.destroyed.CompareAndSwap(false, true) {
		h.logger.Warn("trace already destroyed")
		return
	}
	defer h.finalize()

	if err == nil {
		return
	}
	if h.eventListenerCount() == 0 {
		h.logger.Error("unhandled trace error", "error", err)
		return
	}
	h.dispatchEvent(NewLog(LevelError, err.Error()))
}

func (h *Hub) finalize() {
	for _, s := range []*Splitter{h.stdout, h.stderr} {
		if err := s.Close(); err != nil {
			h.logger.Warn("closing trace stream", "error", err)
		}
	}
}

func (h *Hub) streamClosed() {
	if h.open.Add(-1) == 0 {
		close(h.done)
	}
}

func (h *Hub) eventListenerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.eventListeners)
}

func (h *Hub) dispatchLog(e Event) {
	h.mu.RLock()
	listeners := h.logListeners
	h.mu.RUnlock()
	for _, fn := range listeners {
		fn(e)
	}
}

func (h *Hub) dispatchEvent(e Event) {
	h.mu.RLock()
	listeners := h.eventListeners
	h.mu.RUnlock()
	for _, fn := range listeners {
		fn(e)
	}
}
