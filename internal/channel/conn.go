package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/plugbox/internal/log"
	"github.com/mattjoyce/plugbox/internal/plugin"
	"github.com/mattjoyce/plugbox/internal/protocol"
)

// Conn implements Channel over a pair of byte streams carrying
// newline-delimited protocol.Call and protocol.Reply messages. Calls may be
// issued concurrently; replies are correlated by id.
type Conn struct {
	w      *protocol.Writer
	wc     io.Closer
	rc     io.Closer
	logger *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *protocol.Reply
	err     error // set once the read loop stops

	done      chan struct{}
	closeOnce sync.Once
}

var _ Channel = (*Conn)(nil)

// NewConn starts reading replies from r and sends calls on w. Closing the
// Conn closes both.
func NewConn(r io.ReadCloser, w io.WriteCloser) *Conn {
	c := &Conn{
		w:       protocol.NewWriter(w),
		wc:      w,
		rc:      r,
		logger:  log.WithComponent("channel"),
		pending: make(map[uint64]chan *protocol.Reply),
		done:    make(chan struct{}),
	}
	go c.readLoop(protocol.NewReader(r))
	return c
}

// Done is closed once the worker side of the transport is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readLoop(r *protocol.Reader) {
	var err error
	for {
		var rep *protocol.Reply
		rep, err = r.ReadReply()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				c.logger.Warn("discarding malformed reply", "error", err)
				continue
			}
			if rep == nil {
				break
			}
			// ok=false without a message still resolves its call.
			rep.Error = "worker reported failure without a message"
		}
		c.deliver(rep)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		err = ErrClosed
	} else {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}

	// Waiters still in c.pending observe c.done and read c.err.
	c.mu.Lock()
	c.err = err
	c.pending = make(map[uint64]chan *protocol.Reply)
	c.mu.Unlock()
	close(c.done)
}

func (c *Conn) deliver(rep *protocol.Reply) {
	c.mu.Lock()
	ch, ok := c.pending[rep.ID]
	delete(c.pending, rep.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("reply for abandoned call dropped", "id", rep.ID)
		return
	}
	ch <- rep
}

func (c *Conn) call(ctx context.Context, method protocol.Method, params, result any) error {
	id := c.nextID.Add(1)
	call, err := protocol.NewCall(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *protocol.Reply, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.w.WriteCall(call); err != nil {
		c.forget(id)
		return fmt.Errorf("%s: %w: %v", method, ErrClosed, err)
	}

	select {
	case rep := <-ch:
		return decodeReply(method, rep, result)
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		// The last reply may have landed just before the stream ended.
		select {
		case rep := <-ch:
			return decodeReply(method, rep, result)
		default:
		}
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, err)
	}
}

func decodeReply(method protocol.Method, rep *protocol.Reply, result any) error {
	if !rep.OK {
		return &RemoteError{Method: method, Message: rep.Error}
	}
	if result == nil {
		return nil
	}
	if err := rep.DecodeResult(result); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Handshake implements Channel. A reply that is not a well-formed echo of
// id is a negative acknowledgement, not an error.
func (c *Conn) Handshake(ctx context.Context, id string) (bool, error) {
	var res protocol.HandshakeResult
	err := c.call(ctx, protocol.MethodHandshake, protocol.HandshakeParams{ID: id}, &res)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			c.logger.Warn("handshake rejected by worker", "id", id, "error", remote.Message)
			return false, nil
		}
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return false, err
		}
		c.logger.Warn("malformed handshake reply", "id", id, "error", err)
		return false, nil
	}
	if res.ID != id {
		c.logger.Warn("handshake id mismatch", "want", id, "got", res.ID)
		return false, nil
	}
	c.logger.Debug("handshake ok", "id", id, "worker_pid", res.PID)
	return true, nil
}

// Load implements Channel.
func (c *Conn) Load(ctx context.Context, pkg plugin.Package) error {
	return c.call(ctx, protocol.MethodLoad, protocol.LoadParams{Package: pkg}, nil)
}

// Start implements Channel. Each arg is JSON encoded independently.
func (c *Conn) Start(ctx context.Context, pkg plugin.Package, args ...any) (Handle, error) {
	params := protocol.StartParams{Package: pkg}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("start: encode arg %d: %w", i, err)
		}
		params.Args = append(params.Args, raw)
	}

	var res protocol.StartResult
	if err := c.call(ctx, protocol.MethodStart, params, &res); err != nil {
		return "", err
	}
	if res.Handle == "" {
		return "", fmt.Errorf("start: worker returned empty handle")
	}
	return Handle(res.Handle), nil
}

// ValueOf implements Channel.
func (c *Conn) ValueOf(ctx context.Context, h Handle) (json.RawMessage, error) {
	var v json.RawMessage
	if err := c.call(ctx, protocol.MethodValueOf, protocol.ValueOfParams{Handle: string(h)}, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Destroy implements Channel.
func (c *Conn) Destroy(ctx context.Context) error {
	return c.call(ctx, protocol.MethodDestroy, nil, nil)
}

// Close closes both streams and waits for the read loop to stop.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = errors.Join(c.wc.Close(), c.rc.Close())
	})
	<-c.done
	return err
}
