// Package broker routes commands to per-session sandbox workers.
//
// A single loop goroutine owns the session table; every admission decision,
// state transition and removal happens there, so no lock guards the table.
// Each session has a worker goroutine pinned to an OS thread that runs the
// session's commands one at a time against its sandbox handle.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/rlmd/internal/bridge"
	"github.com/ManuGH/rlmd/internal/config"
	xglog "github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/metrics"
	"github.com/ManuGH/rlmd/internal/sandbox"
	"github.com/ManuGH/rlmd/internal/telemetry"
)

// SandboxProvider hands out sandbox handles and takes them back.
// *sandbox.Pool implements it.
type SandboxProvider interface {
	Acquire(ctx context.Context) (sandbox.Handle, error)
	Retire(h sandbox.Handle)
}

// Option customises a Broker.
type Option func(*Broker)

// WithClock replaces time.Now, for idle eviction tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithBaseContext sets the context sessions and bridge calls derive from.
func WithBaseContext(ctx context.Context) Option {
	return func(b *Broker) { b.base = ctx }
}

// WithLogger sets the broker logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// Stats is a snapshot of broker occupancy.
type Stats struct {
	Live          int `json:"live"`
	Starting      int `json:"starting"`
	Active        int `json:"active"`
	Draining      int `json:"draining"`
	Queued        int `json:"queued"`
	MaxSessions   int `json:"max_sessions"`
	MaxQueueDepth int `json:"max_queue_depth"`
}

// Broker owns all sessions.
type Broker struct {
	limits    limits
	sandboxes SandboxProvider
	handler   bridge.Handler
	now       func() time.Time
	log       zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	ops      chan func()
	stopLoop chan struct{}
	quit     chan struct{}
	stopOnce sync.Once

	// Loop-owned.
	sessions map[string]*session
	closed   bool
}

// New starts a broker. handler serves bridge calls for every session and may
// also implement bridge.Preparer and bridge.Releaser.
func New(cfg config.BrokerConfig, sandboxes SandboxProvider, handler bridge.Handler, opts ...Option) *Broker {
	b := &Broker{
		limits: limits{
			MaxSessions:   max(cfg.MaxSessions, 1),
			MaxQueueDepth: max(cfg.MaxQueueDepth, 1),
		},
		sandboxes: sandboxes,
		handler:   handler,
		now:       time.Now,
		log:       xglog.WithComponent("broker"),
		base:      context.Background(),
		ops:       make(chan func()),
		stopLoop:  make(chan struct{}),
		quit:      make(chan struct{}),
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.base, b.cancel = context.WithCancel(b.base)
	go b.loop()
	return b
}

func (b *Broker) loop() {
	defer close(b.quit)
	for {
		select {
		case fn := <-b.ops:
			fn()
		case <-b.stopLoop:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (b *Broker) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case b.ops <- func() { fn(); close(done) }:
	case <-b.quit:
		return ErrBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post queues fn on the loop without waiting; used by workers.
func (b *Broker) post(fn func()) {
	select {
	case b.ops <- fn:
	case <-b.quit:
	}
}

// Dispatch submits cmd to session id, creating the session if needed, and
// returns without waiting for the command to run.
//
// When ctx carries a bridge token for the same session (a handler serving a
// bridge call from that session), the command runs immediately on the
// session's worker thread, bypassing the queue and depth limit.
func (b *Broker) Dispatch(ctx context.Context, id string, cmd Command) (*Pending, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrInvalidCommand)
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	if tok, ok := bridge.TokenFrom(ctx); ok {
		if tok.SessionID() != id {
			metrics.RecordCommand(string(cmd.Kind), "rejected", 0)
			return nil, fmt.Errorf("%w: %s -> %s", ErrCrossSession, tok.SessionID(), id)
		}
		return b.dispatchNested(ctx, tok, id, cmd)
	}

	env := &envelope{cmd: cmd, pending: newPending(id)}
	var admitErr error
	if err := b.do(ctx, func() { admitErr = b.enqueue(id, env) }); err != nil {
		return nil, err
	}
	if admitErr != nil {
		metrics.RecordCommand(string(cmd.Kind), "rejected", 0)
		return nil, admitErr
	}
	return env.pending, nil
}

// Run dispatches cmd and waits for its reply.
func (b *Broker) Run(ctx context.Context, id string, cmd Command) (sandbox.Result, error) {
	ctx, span := telemetry.Tracer("rlmd/broker").Start(ctx, "broker.run",
		trace.WithAttributes(telemetry.SessionAttributes(id, false)...))
	defer span.End()

	p, err := b.Dispatch(ctx, id, cmd)
	if err != nil {
		span.SetAttributes(telemetry.CommandAttributes(string(cmd.Kind), "rejected")...)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sandbox.Result{}, err
	}
	res, err := p.Wait(ctx)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Error != "":
		outcome = "code_error"
	}
	span.SetAttributes(telemetry.CommandAttributes(string(cmd.Kind), outcome)...)
	return res, err
}

func (b *Broker) dispatchNested(ctx context.Context, tok *bridge.Token, id string, cmd Command) (*Pending, error) {
	var s *session
	if err := b.do(ctx, func() { s = b.sessions[id] }); err != nil {
		return nil, err
	}
	if s == nil || s.w == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	env := &envelope{cmd: cmd, pending: newPending(id)}
	w := s.w
	if err := tok.Submit(ctx, func() { env.pending.resolve(w.execute(env)) }); err != nil {
		if errors.Is(err, bridge.ErrCallFinished) {
			return nil, fmt.Errorf("%w: bridge call already finished", ErrInvalidCommand)
		}
		return nil, err
	}
	return env.pending, nil
}

// enqueue runs on the loop.
func (b *Broker) enqueue(id string, env *envelope) error {
	s := b.sessions[id]
	t := target{}
	if s != nil {
		t = target{Exists: true, State: s.state, Depth: s.depth}
	}
	d := admit(b.limits, b.closed, len(b.sessions), t)
	if !d.Allow {
		metrics.RecordReject(d.Reason)
		b.log.Debug().
			Str(xglog.FieldEvent, "admission.reject").
			Str(xglog.FieldSessionID, id).
			Str(xglog.FieldReason, d.Reason).
			Int(xglog.FieldLive, len(b.sessions)).
			Msg("command rejected")
		return fmt.Errorf("%w: %s", d.Err, id)
	}
	if d.Create {
		s = b.start(id)
	}
	s.depth++
	s.lastActive = b.now()
	// Never blocks: the inbox holds MaxQueueDepth and depth counts every
	// queued command plus the one in flight.
	s.inbox <- env
	metrics.RecordAdmit(d.Create)
	return nil
}

// Open creates session id if it does not exist, subject to admission. A
// draining session reports ErrSessionClosed, as Dispatch does.
func (b *Broker) Open(ctx context.Context, id string) (SessionInfo, error) {
	if id == "" {
		return SessionInfo{}, fmt.Errorf("%w: empty session id", ErrInvalidCommand)
	}
	var info SessionInfo
	var admitErr error
	err := b.do(ctx, func() {
		if s, ok := b.sessions[id]; ok {
			if s.state == StateDraining || s.state == StateTerminated {
				metrics.RecordReject(ReasonSessionDraining)
				admitErr = fmt.Errorf("%w: %s", ErrSessionClosed, id)
				return
			}
			info = s.info()
			return
		}
		d := admit(b.limits, b.closed, len(b.sessions), target{})
		if !d.Allow {
			metrics.RecordReject(d.Reason)
			admitErr = fmt.Errorf("%w: %s", d.Err, id)
			return
		}
		info = b.start(id).info()
		metrics.RecordAdmit(true)
	})
	if err != nil {
		return SessionInfo{}, err
	}
	return info, admitErr
}

// start creates a session in Starting state and launches its worker. Runs on
// the loop.
func (b *Broker) start(id string) *session {
	now := b.now()
	ctx, cancel := context.WithCancel(xglog.ContextWithSessionID(b.base, id))
	s := &session{
		id:         id,
		state:      StateStarting,
		createdAt:  now,
		lastActive: now,
		inbox:      make(chan *envelope, b.limits.MaxQueueDepth),
		stop:       make(chan struct{}),
		terminated: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.w = &worker{
		b:   b,
		s:   s,
		log: b.log.With().Str(xglog.FieldSessionID, id).Logger(),
	}
	b.sessions[id] = s
	b.log.Info().
		Str(xglog.FieldEvent, "session.created").
		Str(xglog.FieldSessionID, id).
		Int(xglog.FieldLive, len(b.sessions)).
		Msg("session created")
	b.publish()
	go s.w.run()
	return s
}

func (b *Broker) transition(s *session, to State) {
	from := s.state
	s.state = to
	b.log.Debug().
		Str(xglog.FieldEvent, "session.transition").
		Str(xglog.FieldSessionID, s.id).
		Str(xglog.FieldOldState, from.String()).
		Str(xglog.FieldNewState, to.String()).
		Msg("session state changed")
	b.publish()
}

// activate runs on the loop once setup succeeded.
func (b *Broker) activate(s *session) {
	if s.state == StateStarting {
		b.transition(s, StateActive)
	}
}

// commandDone runs on the loop after a queued command finished.
func (b *Broker) commandDone(s *session) {
	if s.depth > 0 {
		s.depth--
	}
	s.lastActive = b.now()
}

// drain moves s to Draining and tells its worker to stop after the command in
// flight. Runs on the loop.
func (b *Broker) drain(s *session, cause string) {
	if s.state == StateDraining || s.state == StateTerminated {
		return
	}
	s.drainCause = cause
	b.transition(s, StateDraining)
	close(s.stop)
}

// remove runs on the loop when a worker has exited. No command can enter the
// inbox after this, so whatever is left never started.
func (b *Broker) remove(s *session, cause string, err error) {
	if cause == "" {
		cause = s.drainCause
	}
	if err == nil {
		err = ErrSessionClosed
	}
	delete(b.sessions, s.id)
drained:
	for {
		select {
		case env := <-s.inbox:
			env.pending.resolve(Reply{Err: err})
			metrics.RecordCommand(string(env.cmd.Kind), "rejected", 0)
		default:
			break drained
		}
	}
	s.depth = 0
	s.state = StateTerminated
	s.cancel()
	close(s.terminated)

	metrics.RecordSessionEnd(cause)
	b.log.Info().
		Str(xglog.FieldEvent, "session.terminated").
		Str(xglog.FieldSessionID, s.id).
		Str(xglog.FieldReason, cause).
		Int(xglog.FieldLive, len(b.sessions)).
		Msg("session terminated")
	b.publish()
}

func (b *Broker) publish() {
	var starting, active, draining int
	for _, s := range b.sessions {
		switch s.state {
		case StateStarting:
			starting++
		case StateActive:
			active++
		case StateDraining:
			draining++
		}
	}
	metrics.SetLiveSessions(starting, active, draining)
}

// Close drains session id: the command in flight finishes, queued commands
// that never started get ErrSessionClosed, and the sandbox is retired. Close
// returns once the worker has exited or ctx ends. Closing an unknown session
// is a no-op.
func (b *Broker) Close(ctx context.Context, id string) error {
	var term <-chan struct{}
	err := b.do(ctx, func() {
		s, ok := b.sessions[id]
		if !ok {
			return
		}
		b.drain(s, causeClosed)
		term = s.terminated
	})
	if err != nil {
		if errors.Is(err, ErrBrokerClosed) {
			return nil
		}
		return err
	}
	if term == nil {
		return nil
	}
	select {
	case <-term:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EvictIdle drains every active session with nothing queued that has been
// unused for longer than maxIdle, and waits for them to exit. It returns the
// number of sessions evicted.
func (b *Broker) EvictIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	var terms []<-chan struct{}
	err := b.do(ctx, func() {
		now := b.now()
		for _, s := range b.sessions {
			if s.idle(now, maxIdle) {
				b.drain(s, causeIdle)
				terms = append(terms, s.terminated)
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if err := waitAll(ctx, terms); err != nil {
		return len(terms), err
	}
	return len(terms), nil
}

// Stats returns current occupancy.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	st := Stats{MaxSessions: b.limits.MaxSessions, MaxQueueDepth: b.limits.MaxQueueDepth}
	err := b.do(ctx, func() {
		st.Live = len(b.sessions)
		for _, s := range b.sessions {
			st.Queued += s.depth
			switch s.state {
			case StateStarting:
				st.Starting++
			case StateActive:
				st.Active++
			case StateDraining:
				st.Draining++
			}
		}
	})
	return st, err
}

// Lookup returns the session's info, or false if it does not exist.
func (b *Broker) Lookup(ctx context.Context, id string) (SessionInfo, bool, error) {
	var info SessionInfo
	var ok bool
	err := b.do(ctx, func() {
		var s *session
		if s, ok = b.sessions[id]; ok {
			info = s.info()
		}
	})
	return info, ok, err
}

// Sessions lists live sessions.
func (b *Broker) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := b.do(ctx, func() {
		out = make([]SessionInfo, 0, len(b.sessions))
		for _, s := range b.sessions {
			out = append(out, s.info())
		}
	})
	return out, err
}

// Shutdown stops admitting commands, drains every session and stops the loop.
// If ctx ends before the sessions have drained, running commands are aborted
// by cancelling their context, and ctx.Err() is returned once they exit.
// Calls after the first return nil.
func (b *Broker) Shutdown(ctx context.Context) error {
	var terms []<-chan struct{}
	err := b.do(context.WithoutCancel(ctx), func() {
		b.closed = true
		for _, s := range b.sessions {
			b.drain(s, causeShutdown)
			terms = append(terms, s.terminated)
		}
	})
	if errors.Is(err, ErrBrokerClosed) {
		return nil
	}

	waitErr := waitAll(ctx, terms)
	if waitErr != nil {
		b.log.Warn().Str(xglog.FieldEvent, "broker.shutdown_forced").Msg("sessions did not drain in time, aborting")
		b.cancel()
		_ = waitAll(context.Background(), terms)
	}

	b.stopOnce.Do(func() {
		b.cancel()
		close(b.stopLoop)
	})
	<-b.quit
	b.log.Info().Str(xglog.FieldEvent, "broker.stopped").Msg("broker stopped")
	return waitErr
}

func waitAll(ctx context.Context, chans []<-chan struct{}) error {
	for _, ch := range chans {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
