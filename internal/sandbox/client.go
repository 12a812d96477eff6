package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ManuGH/rlmd/internal/bridge"
)

// streamHandle is the daemon side of the frame protocol. It is used by both
// the process and docker launchers; the transport is whatever byte streams
// they hand it.
type streamHandle struct {
	name   string
	c      *conn
	nextID uint64
	broken error

	// abort tears the transport down immediately; closeFn shuts it down
	// gracefully.
	abort   func()
	closeFn func() error
}

func newStreamHandle(name string, r io.Reader, w io.Writer, abort func(), closeFn func() error) *streamHandle {
	return &streamHandle{
		name:    name,
		c:       newConn(r, w),
		abort:   abort,
		closeFn: closeFn,
	}
}

func (h *streamHandle) fault(format string, args ...any) error {
	err := fmt.Errorf("%w: %s: %s", ErrFault, h.name, fmt.Sprintf(format, args...))
	if h.broken == nil {
		h.broken = err
	}
	return err
}

func (h *streamHandle) next() uint64 {
	h.nextID++
	return h.nextID
}

// handshake exchanges ping/pong and checks the protocol version.
func (h *streamHandle) handshake() error {
	if err := h.c.write(Frame{Kind: FramePing, Version: ProtocolVersion}); err != nil {
		return h.fault("write ping: %v", err)
	}
	f, err := h.c.read()
	if err != nil {
		return h.fault("read pong: %v", err)
	}
	switch {
	case f.Kind == FrameError:
		return h.fault("handshake rejected: %s", f.Message)
	case f.Kind != FramePong:
		return h.fault("unexpected %s frame during handshake", f.Kind)
	case f.Version != ProtocolVersion:
		return h.fault("protocol version %d, want %d", f.Version, ProtocolVersion)
	}
	return nil
}

func (h *streamHandle) watch(ctx context.Context) func() bool {
	if h.abort == nil {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, h.abort)
}

func (h *streamHandle) Execute(ctx context.Context, req Request, caller bridge.Caller) (Result, error) {
	if h.broken != nil {
		return Result{}, h.broken
	}
	stop := h.watch(ctx)
	defer stop()

	id := h.next()
	if err := h.c.write(Frame{Kind: FrameExecute, ID: id, Execute: &req}); err != nil {
		return Result{}, h.fault("write execute: %v", err)
	}
	for {
		f, err := h.c.read()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, h.fault("aborted: %v", ctxErr)
			}
			return Result{}, h.fault("read: %v", err)
		}
		switch f.Kind {
		case FrameResult:
			if f.ID != id || f.Result == nil {
				return Result{}, h.fault("result frame for id %d, want %d", f.ID, id)
			}
			return *f.Result, nil
		case FrameError:
			return Result{}, h.replyError(f)
		case FrameBridge:
			if err := h.serveBridge(f, caller); err != nil {
				return Result{}, err
			}
		default:
			return Result{}, h.fault("unexpected %s frame while executing", f.Kind)
		}
	}
}

// serveBridge answers one bridge frame. caller.Call may dispatch nested
// commands that re-enter Execute on this handle.
func (h *streamHandle) serveBridge(f Frame, caller bridge.Caller) error {
	reply := Frame{Kind: FrameBridgeResult, ID: f.ID}
	switch {
	case f.Bridge == nil:
		reply.Code, reply.Message = CodeInvalid, "bridge frame without request"
	case caller == nil:
		reply.Code, reply.Message = CodeBridge, bridge.ErrNoHandler.Error()
	default:
		resp, err := caller.Call(*f.Bridge)
		if err != nil {
			reply.Code, reply.Message = CodeBridge, err.Error()
		} else {
			reply.Response = &resp
		}
	}
	if h.broken != nil {
		return h.broken
	}
	if err := h.c.write(reply); err != nil {
		return h.fault("write bridge result: %v", err)
	}
	return nil
}

func (h *streamHandle) GetVariable(ctx context.Context, name, scope string) (string, error) {
	if h.broken != nil {
		return "", h.broken
	}
	stop := h.watch(ctx)
	defer stop()

	id := h.next()
	if err := h.c.write(Frame{Kind: FrameGetVariable, ID: id, Name: name, Scope: scope}); err != nil {
		return "", h.fault("write get_variable: %v", err)
	}
	f, err := h.c.read()
	if err != nil {
		return "", h.fault("read: %v", err)
	}
	switch {
	case f.Kind == FrameError:
		return "", h.replyError(f)
	case f.Kind != FrameResult || f.ID != id || f.Value == nil:
		return "", h.fault("unexpected %s frame for get_variable", f.Kind)
	}
	return *f.Value, nil
}

func (h *streamHandle) replyError(f Frame) error {
	switch f.Code {
	case CodeNotFound:
		return fmt.Errorf("%w: %s", ErrVariableNotFound, f.Message)
	case CodeFault, CodeInvalid:
		return h.fault("%s", f.Message)
	default:
		return errors.New(f.Message)
	}
}

func (h *streamHandle) Close() error {
	if h.closeFn == nil {
		return nil
	}
	return h.closeFn()
}

// shutdown sends the shutdown frame and reports whether the child acked.
// It is only called once nothing else is reading.
func (h *streamHandle) shutdown() bool {
	if h.broken != nil {
		return false
	}
	if err := h.c.write(Frame{Kind: FrameShutdown}); err != nil {
		return false
	}
	f, err := h.c.read()
	return err == nil && f.Kind == FrameAck
}
