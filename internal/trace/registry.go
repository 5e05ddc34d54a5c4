package trace

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/plugbox/internal/log"
)

// Options configures Registry.Create.
type Options struct {
	// ID overrides the generated identifier. It must not be in use.
	ID         string
	StdoutFile string
	StderrFile string
}

// Registry is the process-wide directory of live hubs keyed by job id.
// It is owned by the top-level composition and passed to whoever creates jobs.
type Registry struct {
	mu     sync.Mutex
	hubs   map[string]*Hub
	logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		hubs:   make(map[string]*Hub),
		logger: log.WithComponent("trace"),
	}
}

// Create allocates an id (unless opts.ID is set), builds a hub and registers it.
func (r *Registry) Create(opts Options) (*Hub, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hubs[id]; exists {
		return nil, fmt.Errorf("trace %q already registered", id)
	}

	h, err := NewHub(id, HubOptions{
		StdoutFile: opts.StdoutFile,
		StderrFile: opts.StderrFile,
		Logger:     r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create trace %q: %w", id, err)
	}
	r.hubs[id] = h
	r.logger.Debug("trace created", "trace_id", id)
	return h, nil
}

// Get looks up a live hub. A missing id is a normal outcome.
func (r *Registry) Get(id string) (*Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[id]
	return h, ok
}

// Destroy unregisters the hub and destroys it with err. Unknown ids are
// logged and ignored, so every failure path may call it.
func (r *Registry) Destroy(id string, err error) {
	r.mu.Lock()
	h, ok := r.hubs[id]
	delete(r.hubs, id)
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("destroy of unknown trace ignored", "trace_id", id)
		return
	}
	h.Destroy(err)
	r.logger.Debug("trace destroyed", "trace_id", id)
}

// Len returns the number of live hubs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

// Close destroys every remaining hub.
func (r *Registry) Close() {
	r.mu.Lock()
	hubs := r.hubs
	r.hubs = make(map[string]*Hub)
	r.mu.Unlock()

	for _, h := range hubs {
		h.Destroy(nil)
	}
}
