// Package bridge lets synchronous interpreter code on a worker thread issue
// an asynchronous model call and block until it is answered.
//
// The worker thread calls Bridge.Call. The request is handled on a separate
// goroutine under the session's base context; the worker waits for the
// reply and, while waiting, runs any nested commands the handler submits
// for the same session through the Token carried in its context.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrCallFinished is returned by Token.Submit after the owning call returned.
	ErrCallFinished = errors.New("bridge call already finished")
	// ErrClosed is returned by Call after the bridge was closed.
	ErrClosed = errors.New("bridge closed")
	// ErrNoHandler is returned when the bridge has no handler configured.
	ErrNoHandler = errors.New("bridge has no handler")
)

// Handler serves bridge requests on the async side.
type Handler interface {
	HandleBridge(ctx context.Context, sessionID string, req Request) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sessionID string, req Request) (Response, error)

// HandleBridge implements Handler.
func (f HandlerFunc) HandleBridge(ctx context.Context, sessionID string, req Request) (Response, error) {
	return f(ctx, sessionID, req)
}

// Preparer is implemented by handlers that build per-session state when a
// session opens. Prepare runs off the worker thread.
type Preparer interface {
	Prepare(ctx context.Context, sessionID string) error
}

// Releaser is implemented by handlers that hold per-session state.
type Releaser interface {
	Release(sessionID string)
}

// Caller is the worker-side view of a bridge, handed to interpreters.
type Caller interface {
	Call(req Request) (Response, error)
}

// Bridge is bound to exactly one session. Call must only be invoked from the
// session's worker thread.
type Bridge struct {
	sessionID string
	base      context.Context
	handler   Handler

	mu      sync.Mutex
	closed  bool
	pending int
	depth   int
}

// New creates a bridge for sessionID. base is the async context captured at
// session creation; handler calls inherit its values and cancellation.
func New(base context.Context, sessionID string, handler Handler) *Bridge {
	return &Bridge{
		sessionID: sessionID,
		base:      base,
		handler:   handler,
	}
}

// SessionID returns the session the bridge is bound to.
func (b *Bridge) SessionID() string { return b.sessionID }

type result struct {
	resp Response
	err  error
}

// Call submits req to the async side and blocks the calling thread until the
// handler answers. Nested commands submitted through the handler's Token run
// on the calling thread before Call returns.
func (b *Bridge) Call(req Request) (Response, error) {
	if b.handler == nil {
		return Response{}, ErrNoHandler
	}
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Response{}, ErrClosed
	}
	b.pending++
	b.depth++
	depth := b.depth
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.pending--
		b.depth--
		b.mu.Unlock()
	}()

	tok := &Token{
		sessionID: b.sessionID,
		depth:     depth,
		nested:    make(chan func()),
		done:      make(chan struct{}),
	}
	ctx := WithToken(b.base, tok)

	reply := make(chan result, 1)
	go func() {
		resp, err := b.safeHandle(ctx, req)
		reply <- result{resp: resp, err: err}
	}()

	for {
		select {
		case r := <-reply:
			close(tok.done)
			return r.resp, r.err
		case fn := <-tok.nested:
			fn()
		}
	}
}

func (b *Bridge) safeHandle(ctx context.Context, req Request) (resp Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("bridge handler panic: %v", rec)
		}
	}()
	return b.handler.HandleBridge(ctx, b.sessionID, req)
}

// Pending reports how many calls are currently blocked in Call.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Close rejects further calls. Calls already in flight complete normally.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
