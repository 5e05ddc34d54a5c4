// Package worker is the child side of the sandbox: it answers the parent's
// RPC calls, loads plugin packages and runs them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/mattjoyce/plugbox/internal/log"
	"github.com/mattjoyce/plugbox/internal/plugin"
	"github.com/mattjoyce/plugbox/internal/protocol"
)

// Options configures a Server.
type Options struct {
	Runner  Runner
	WorkDir string
	DataDir string
	Logger  *slog.Logger
}

// Server processes calls one at a time, in arrival order. A long start
// therefore delays a later destroy; the parent bounds that with its own
// timeout and kills the process group.
type Server struct {
	runner  Runner
	workDir string
	dataDir string
	logger  *slog.Logger

	id      string
	loaded  map[string]*plugin.Plugin
	results map[string]json.RawMessage
}

// NewServer builds a server. A nil Runner is an ExecRunner wired to the
// process's own stdout and stderr.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("worker")
	}
	runner := opts.Runner
	if runner == nil {
		runner = &ExecRunner{Stdout: os.Stdout, Stderr: os.Stderr, Logger: logger}
	}
	return &Server{
		runner:  runner,
		workDir: opts.WorkDir,
		dataDir: opts.DataDir,
		logger:  logger,
		loaded:  make(map[string]*plugin.Plugin),
		results: make(map[string]json.RawMessage),
	}
}

// Serve reads calls from in and writes replies to out until a destroy call
// has been acknowledged (nil), the parent closes in (nil), or a transport
// error occurs.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	r := protocol.NewReader(in)
	w := protocol.NewWriter(out)

	for {
		call, err := r.ReadCall()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Info("parent closed channel")
				return nil
			case errors.Is(err, protocol.ErrMalformed):
				s.logger.Warn("ignoring malformed call", "error", err)
				continue
			case call != nil:
				if werr := w.WriteReply(protocol.ErrorReply(call.ID, err)); werr != nil {
					return werr
				}
				continue
			default:
				return fmt.Errorf("read call: %w", err)
			}
		}

		result, herr := s.handle(ctx, call)
		var rep *protocol.Reply
		if herr != nil {
			s.logger.Warn("call failed", "method", call.Method, "id", call.ID, "error", herr)
			rep = protocol.ErrorReply(call.ID, herr)
		} else if rep, err = protocol.OKReply(call.ID, result); err != nil {
			rep = protocol.ErrorReply(call.ID, err)
		}
		if err := w.WriteReply(rep); err != nil {
			return err
		}

		if call.Method == protocol.MethodDestroy && herr == nil {
			s.logger.Info("destroy acknowledged, exiting")
			return nil
		}
	}
}

func (s *Server) handle(ctx context.Context, call *protocol.Call) (any, error) {
	if call.Method != protocol.MethodHandshake && s.id == "" {
		return nil, fmt.Errorf("%s before handshake", call.Method)
	}

	switch call.Method {
	case protocol.MethodHandshake:
		var p protocol.HandshakeParams
		if err := call.DecodeParams(&p); err != nil {
			return nil, err
		}
		return s.handshake(p.ID)
	case protocol.MethodLoad:
		var p protocol.LoadParams
		if err := call.DecodeParams(&p); err != nil {
			return nil, err
		}
		return nil, s.load(p.Package)
	case protocol.MethodStart:
		var p protocol.StartParams
		if err := call.DecodeParams(&p); err != nil {
			return nil, err
		}
		return s.start(ctx, p)
	case protocol.MethodValueOf:
		var p protocol.ValueOfParams
		if err := call.DecodeParams(&p); err != nil {
			return nil, err
		}
		v, ok := s.results[p.Handle]
		if !ok {
			return nil, fmt.Errorf("unknown handle %q", p.Handle)
		}
		return v, nil
	case protocol.MethodDestroy:
		clear(s.results)
		clear(s.loaded)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown method %q", call.Method)
}

func (s *Server) handshake(id string) (protocol.HandshakeResult, error) {
	if id == "" {
		return protocol.HandshakeResult{}, fmt.Errorf("handshake id is empty")
	}
	if s.id != "" && s.id != id {
		return protocol.HandshakeResult{}, fmt.Errorf("already bound to %q", s.id)
	}
	s.id = id
	s.logger = s.logger.With("runnable_id", id)
	s.logger.Debug("handshake")
	return protocol.HandshakeResult{ID: id, PID: os.Getpid()}, nil
}

func (s *Server) load(pkg plugin.Package) error {
	if err := plugin.Verify(pkg); err != nil {
		return err
	}
	p, err := plugin.Load(pkg.InstallPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", pkg.Name, err)
	}
	if p.Name != pkg.Name {
		return fmt.Errorf("package %q installs plugin %q", pkg.Name, p.Name)
	}
	s.loaded[pkg.Name] = p
	s.logger.Debug("plugin loaded", "plugin", p.Name, "version", p.Version)
	return nil
}

func (s *Server) start(ctx context.Context, params protocol.StartParams) (protocol.StartResult, error) {
	p, ok := s.loaded[params.Package.Name]
	if !ok {
		return protocol.StartResult{}, fmt.Errorf("package %s not loaded", params.Package.Name)
	}

	resp, err := s.runner.Run(ctx, p, &protocol.Request{
		Protocol:     protocol.Version,
		JobID:        s.id,
		Command:      "run",
		Plugin:       p.Name,
		Args:         params.Args,
		WorkspaceDir: s.workDir,
		DataDir:      s.dataDir,
	})
	if err != nil {
		return protocol.StartResult{}, err
	}
	if resp.Status == "error" {
		return protocol.StartResult{}, errors.New(resp.Error)
	}

	value := resp.Result
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	handle := uuid.NewString()
	s.results[handle] = value
	return protocol.StartResult{Handle: handle}, nil
}
