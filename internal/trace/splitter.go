package trace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by Splitter.Write after Close.
var ErrClosed = errors.New("trace: splitter closed")

// SplitterOptions configures a Splitter. All fields are optional.
type SplitterOptions struct {
	// FilePath, when set, receives every raw chunk verbatim.
	FilePath string
	// OnError is called by Fail when the producing stream breaks.
	OnError func(error)
	// OnClose is called exactly once, after the final line and the file
	// have been flushed.
	OnClose func()
	Logger  *slog.Logger
}

// Splitter reassembles an arbitrarily chunked byte stream into lines.
// Both '\n' and '\r' terminate a line; the trailing fragment is carried to
// the next Write and emitted on Close. Line callbacks run synchronously
// under the splitter's lock, so they observe stream order and must not
// write back into the same splitter.
type Splitter struct {
	mu     sync.Mutex
	carry  []byte
	closed bool

	onLine  func(string)
	onError func(error)
	onClose func()

	path   string
	file   *os.File
	logger *slog.Logger
}

// NewSplitter returns a splitter calling onLine for every complete line.
// It fails only when the optional file sink cannot be opened.
func NewSplitter(onLine func(string), opts SplitterOptions) (*Splitter, error) {
	if onLine == nil {
		onLine = func(string) {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Splitter{
		onLine:  onLine,
		onError: opts.OnError,
		onClose: opts.OnClose,
		path:    opts.FilePath,
		logger:  logger,
	}

	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("create trace log directory: %w", err)
		}
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace log file: %w", err)
		}
		s.file = f
	}
	return s, nil
}

// Write feeds a chunk. It never reports file sink failures; those are logged.
func (s *Splitter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if s.file != nil {
		if _, err := s.file.Write(p); err != nil {
			s.logger.Warn("trace file write failed", "path", s.path, "error", err)
		}
	}

	start := 0
	for i, b := range p {
		if b != '\n' && b != '\r' {
			continue
		}
		s.carry = append(s.carry, p[start:i]...)
		s.onLine(string(s.carry))
		s.carry = s.carry[:0]
		start = i + 1
	}
	s.carry = append(s.carry, p[start:]...)

	return len(p), nil
}

// Fail reports that the producing stream broke. The splitter stays open.
func (s *Splitter) Fail(err error) {
	if err == nil || s.onError == nil {
		return
	}
	s.onError(err)
}

// Close emits the pending fragment, if any, and closes the file sink.
// Calling Close again is a no-op.
func (s *Splitter) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	if len(s.carry) > 0 {
		s.onLine(string(s.carry))
		s.carry = nil
	}

	var err error
	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil {
			s.logger.Warn("trace file close failed", "path", s.path, "error", cerr)
			err = cerr
		}
		s.file = nil
	}
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
	return err
}

// Closed reports whether Close has been called.
func (s *Splitter) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
