package broker

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/rlmd/internal/bridge"
	xglog "github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/metrics"
	"github.com/ManuGH/rlmd/internal/sandbox"
)

// worker owns one session's sandbox handle and bridge. All of its fields are
// touched only from the worker goroutine, which is pinned to one OS thread.
type worker struct {
	b      *Broker
	s      *session
	log    zerolog.Logger
	handle sandbox.Handle
	bridge *bridge.Bridge
	// fault is set by the first command that breaks the sandbox.
	fault error
}

func (w *worker) run() {
	// Never unlocked: the thread is discarded with the goroutine.
	runtime.LockOSThread()

	s := w.s
	if err := w.setup(); err != nil {
		w.log.Warn().Err(err).Str(xglog.FieldEvent, "session.setup_failed").Msg("session setup failed")
		w.release()
		w.exit(causeSetupFailed, fmt.Errorf("%w: %w", ErrSandboxFault, err))
		return
	}
	w.bridge = bridge.New(s.ctx, s.id, w.b.handler)
	w.b.post(func() { w.b.activate(s) })

	cause, err := w.loop()

	w.bridge.Close()
	w.release()
	w.exit(cause, err)
}

// setup acquires a sandbox and prepares the bridge handler concurrently.
func (w *worker) setup() error {
	g, gctx := errgroup.WithContext(w.s.ctx)
	g.Go(func() error {
		h, err := w.b.sandboxes.Acquire(gctx)
		if err != nil {
			return fmt.Errorf("acquire sandbox: %w", err)
		}
		w.handle = h
		return nil
	})
	if p, ok := w.b.handler.(bridge.Preparer); ok {
		g.Go(func() error {
			if err := p.Prepare(gctx, w.s.id); err != nil {
				return fmt.Errorf("prepare bridge: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// loop runs queued commands in order until the session is stopped or the
// sandbox faults. An empty cause means the broker chose the cause when it
// stopped the session.
func (w *worker) loop() (string, error) {
	s := w.s
	for {
		select {
		case <-s.stop:
			return "", nil
		default:
		}
		select {
		case <-s.stop:
			return "", nil
		case env := <-s.inbox:
			reply := w.execute(env)
			fault := w.fault
			// The decrement reaches the loop before the caller can dispatch
			// again, so a finished command never counts toward busy.
			w.b.post(func() {
				w.b.commandDone(s)
				if fault != nil {
					w.b.drain(s, causeFault)
				}
			})
			env.pending.resolve(reply)
			if fault != nil {
				return causeFault, fault
			}
		}
	}
}

// execute runs one command and returns its reply. It is also used for nested
// commands submitted through a bridge token, which run on this goroutine
// while an outer Execute is blocked in a bridge call.
func (w *worker) execute(env *envelope) Reply {
	if w.fault != nil {
		return Reply{Err: w.fault}
	}

	start := time.Now()
	reply := w.invoke(env.cmd)
	outcome := "ok"
	switch {
	case reply.Err == nil:
		if reply.Result.Error != "" {
			outcome = "code_error"
		}
	case errors.Is(reply.Err, sandbox.ErrVariableNotFound):
		outcome = "not_found"
	default:
		outcome = "fault"
		w.fault = fmt.Errorf("%w: %w", ErrSandboxFault, reply.Err)
		reply.Err = w.fault
		w.log.Error().Err(reply.Err).
			Str(xglog.FieldEvent, "session.fault").
			Str(xglog.FieldKind, string(env.cmd.Kind)).
			Msg("sandbox fault, terminating session")
	}
	metrics.RecordCommand(string(env.cmd.Kind), outcome, time.Since(start).Seconds())
	return reply
}

func (w *worker) invoke(cmd Command) (r Reply) {
	defer func() {
		if p := recover(); p != nil {
			r = Reply{Err: fmt.Errorf("worker panic: %v", p)}
		}
	}()
	ctx := w.s.ctx
	if cmd.Kind == KindGetVariable {
		v, err := w.handle.GetVariable(ctx, cmd.Name, cmd.Scope)
		return Reply{Result: sandbox.Result{Value: v}, Err: err}
	}
	res, err := w.handle.Execute(ctx, sandbox.Request{
		Code:     cmd.Code,
		Bindings: cmd.Bindings,
		Scope:    cmd.Scope,
		Fresh:    cmd.Fresh,
	}, w.bridge)
	return Reply{Result: res, Err: err}
}

func (w *worker) release() {
	if r, ok := w.b.handler.(bridge.Releaser); ok {
		r.Release(w.s.id)
	}
	if w.handle != nil {
		w.b.sandboxes.Retire(w.handle)
		w.handle = nil
	}
}

// exit hands the session back to the broker loop for removal.
func (w *worker) exit(cause string, err error) {
	s := w.s
	w.b.post(func() { w.b.remove(s, cause, err) })
}
