package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ManuGH/rlmd/internal/bridge"
	"github.com/ManuGH/rlmd/internal/repl"
)

var errShuttingDown = errors.New("sandbox is shutting down")

// Server is the child side of the frame protocol: it owns one interpreter
// and serves frames from the daemon until shutdown or end of input.
type Server struct {
	env    *repl.Env
	c      *conn
	logger zerolog.Logger
	ctx    context.Context

	nextBridge uint64
	stopping   bool
	fatal      error
}

// NewServer serves env over r/w.
func NewServer(env *repl.Env, r io.Reader, w io.Writer, logger zerolog.Logger) *Server {
	return &Server{
		env:    env,
		c:      newConn(r, w),
		logger: logger,
	}
}

// Serve runs until a shutdown frame, end of input, or a transport error.
func (s *Server) Serve(ctx context.Context) error {
	s.ctx = ctx
	for !s.stopping {
		if s.fatal != nil {
			return s.fatal
		}
		f, err := s.c.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, errFrameDecode) {
				s.logger.Warn().Err(err).Msg("invalid frame")
				if werr := s.c.write(errorFrame(0, CodeInvalid, err)); werr != nil {
					return werr
				}
				continue
			}
			return err
		}
		if err := s.dispatch(ctx, f); err != nil {
			return err
		}
	}
	return s.fatal
}

func (s *Server) dispatch(ctx context.Context, f Frame) error {
	switch f.Kind {
	case FramePing:
		return s.c.write(Frame{Kind: FramePong, ID: f.ID, Version: ProtocolVersion})
	case FrameShutdown:
		s.stopping = true
		return s.c.write(Frame{Kind: FrameAck, ID: f.ID})
	case FrameExecute:
		return s.execute(ctx, f)
	case FrameGetVariable:
		return s.getVariable(f)
	default:
		return s.c.write(errorFrame(f.ID, CodeInvalid, fmt.Errorf("unexpected %s frame", f.Kind)))
	}
}

func (s *Server) execute(ctx context.Context, f Frame) error {
	if f.Execute == nil {
		return s.c.write(errorFrame(f.ID, CodeInvalid, errors.New("execute frame without request")))
	}
	res, err := s.env.Execute(ctx, *f.Execute, s)
	if err != nil {
		s.logger.Error().Err(err).Uint64("id", f.ID).Msg("interpreter fault")
		s.fatal = err
		if werr := s.c.write(errorFrame(f.ID, CodeFault, err)); werr != nil {
			return werr
		}
		return err
	}
	return s.c.write(Frame{Kind: FrameResult, ID: f.ID, Result: &res})
}

func (s *Server) getVariable(f Frame) error {
	v, err := s.env.GetVariable(f.Name, f.Scope)
	switch {
	case errors.Is(err, repl.ErrVariableNotFound):
		return s.c.write(errorFrame(f.ID, CodeNotFound, err))
	case err != nil:
		return s.c.write(errorFrame(f.ID, CodeFault, err))
	}
	return s.c.write(Frame{Kind: FrameResult, ID: f.ID, Value: &v})
}

// Call implements bridge.Caller for interpreter code in the child. The
// request goes to the daemon; nested execute and get_variable frames that
// arrive before the answer are served in place.
func (s *Server) Call(req bridge.Request) (bridge.Response, error) {
	if s.stopping {
		return bridge.Response{}, errShuttingDown
	}
	s.nextBridge++
	id := s.nextBridge
	if err := s.c.write(Frame{Kind: FrameBridge, ID: id, Bridge: &req}); err != nil {
		s.fatal = err
		return bridge.Response{}, err
	}
	for {
		f, err := s.c.read()
		if err != nil {
			if errors.Is(err, errFrameDecode) {
				continue
			}
			s.fatal = err
			return bridge.Response{}, err
		}
		switch f.Kind {
		case FrameBridgeResult:
			if f.ID != id {
				return bridge.Response{}, fmt.Errorf("bridge result for id %d, want %d", f.ID, id)
			}
			if f.Response == nil {
				return bridge.Response{}, errors.New(f.Message)
			}
			return *f.Response, nil
		case FrameShutdown:
			s.stopping = true
			if err := s.c.write(Frame{Kind: FrameAck, ID: f.ID}); err != nil {
				s.fatal = err
			}
			return bridge.Response{}, errShuttingDown
		default:
			if err := s.dispatch(s.ctx, f); err != nil {
				s.fatal = err
				return bridge.Response{}, err
			}
		}
	}
}
