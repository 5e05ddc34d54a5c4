// Package channel is the parent side of the worker RPC transport: a
// request/response connection to one sandboxed worker process.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/plugbox/internal/plugin"
	"github.com/mattjoyce/plugbox/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_channel.go -package=mocks github.com/mattjoyce/plugbox/internal/channel Channel

// Handle is an opaque reference to a result kept by the worker.
type Handle string

// Channel is the set of calls a Runnable makes against its worker. Every
// call is bounded by ctx; exceeding the deadline fails that call with
// ErrTimeout while the transport stays usable.
type Channel interface {
	// Handshake greets the worker with id and reports whether it echoed
	// the same id back.
	Handshake(ctx context.Context, id string) (bool, error)
	Load(ctx context.Context, pkg plugin.Package) error
	Start(ctx context.Context, pkg plugin.Package, args ...any) (Handle, error)
	ValueOf(ctx context.Context, h Handle) (json.RawMessage, error)
	// Destroy asks the worker to shut down. A nil error means the worker
	// acknowledged and is exiting on its own.
	Destroy(ctx context.Context) error
	Close() error
}

var (
	ErrTimeout = errors.New("worker call timed out")
	ErrClosed  = errors.New("worker channel closed")
)

// RemoteError is a failure reported by the worker itself.
type RemoteError struct {
	Method  protocol.Method
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker %s failed: %s", e.Method, e.Message)
}
