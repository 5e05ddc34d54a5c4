package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mattjoyce/plugbox/internal/plugin"
)

// ErrMalformed reports a line that is not valid JSON. The offending line has
// been consumed; reading may continue.
var ErrMalformed = errors.New("malformed message")

// Method names a worker RPC.
type Method string

const (
	MethodHandshake Method = "handshake"
	MethodLoad      Method = "load"
	MethodStart     Method = "start"
	MethodValueOf   Method = "value_of"
	MethodDestroy   Method = "destroy"
)

func (m Method) valid() bool {
	switch m {
	case MethodHandshake, MethodLoad, MethodStart, MethodValueOf, MethodDestroy:
		return true
	}
	return false
}

// Call is one parent-to-worker request line. ID correlates the Reply.
type Call struct {
	ID     uint64          `json:"id"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Reply is one worker-to-parent response line.
type Reply struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type HandshakeParams struct {
	ID string `json:"id"`
}

// HandshakeResult echoes the id the worker was greeted with.
type HandshakeResult struct {
	ID  string `json:"id"`
	PID int    `json:"pid,omitempty"`
}

type LoadParams struct {
	Package plugin.Package `json:"package"`
}

type StartParams struct {
	Package plugin.Package    `json:"package"`
	Args    []json.RawMessage `json:"args,omitempty"`
}

// StartResult carries the opaque handle of a materialized plugin result.
type StartResult struct {
	Handle string `json:"handle"`
}

type ValueOfParams struct {
	Handle string `json:"handle"`
}

// NewCall marshals params into a Call.
func NewCall(id uint64, method Method, params any) (*Call, error) {
	c := &Call{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		c.Params = raw
	}
	return c, nil
}

// DecodeParams unmarshals c.Params into v.
func (c *Call) DecodeParams(v any) error {
	if len(c.Params) == 0 {
		return fmt.Errorf("%s: missing params", c.Method)
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return fmt.Errorf("%s: invalid params: %w", c.Method, err)
	}
	return nil
}

// OKReply builds a successful reply carrying result.
func OKReply(id uint64, result any) (*Reply, error) {
	r := &Reply{ID: id, OK: true}
	if result != nil {
		raw, ok := result.(json.RawMessage)
		if !ok {
			var err error
			raw, err = json.Marshal(result)
			if err != nil {
				return nil, fmt.Errorf("failed to encode result: %w", err)
			}
		}
		r.Result = raw
	}
	return r, nil
}

// ErrorReply builds a failed reply.
func ErrorReply(id uint64, err error) *Reply {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Reply{ID: id, Error: msg}
}

// DecodeResult unmarshals r.Result into v.
func (r *Reply) DecodeResult(v any) error {
	if len(r.Result) == 0 {
		return errors.New("reply has no result")
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("invalid result: %w", err)
	}
	return nil
}

// Writer writes one JSON message per line. It is safe for concurrent use;
// each message is emitted with a single Write.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteCall(c *Call) error {
	if !c.Method.valid() {
		return fmt.Errorf("unknown method %q", c.Method)
	}
	return w.write(c)
}

func (w *Writer) WriteReply(r *Reply) error {
	return w.write(r)
}

func (w *Writer) write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Reader reads one JSON message per line. It is not safe for concurrent use.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadCall returns the next call. io.EOF signals a clean end of stream.
func (r *Reader) ReadCall() (*Call, error) {
	var c Call
	if err := r.read(&c); err != nil {
		return nil, err
	}
	if !c.Method.valid() {
		return &c, fmt.Errorf("unknown method %q", c.Method)
	}
	return &c, nil
}

// ReadReply returns the next reply. io.EOF signals a clean end of stream.
func (r *Reader) ReadReply() (*Reply, error) {
	var rep Reply
	if err := r.read(&rep); err != nil {
		return nil, err
	}
	if !rep.OK && rep.Error == "" {
		return &rep, fmt.Errorf("reply %d has ok=false but no error message", rep.ID)
	}
	return &rep, nil
}

func (r *Reader) read(v any) error {
	for {
		line, err := r.r.ReadBytes('\n')
		if len(line) == 0 || isBlank(line) {
			if err != nil {
				return err
			}
			continue
		}
		if jerr := json.Unmarshal(line, v); jerr != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, jerr)
		}
		return nil
	}
}

func isBlank(b []byte) bool {
	for _, c := range b {
		if c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			return false
		}
	}
	return true
}
