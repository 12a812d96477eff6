package bridge

import "context"

type tokenKey struct{}

// Token identifies an outstanding bridge call. It travels in the handler's
// context so that re-entrant dispatch for the same session can be routed to
// the blocked worker thread instead of the session inbox.
type Token struct {
	sessionID string
	depth     int
	nested    chan func()
	done      chan struct{}
}

// SessionID returns the session whose worker is blocked on this call.
func (t *Token) SessionID() string { return t.sessionID }

// Depth is the nesting level of the call (1 for a call made by a top-level command).
func (t *Token) Depth() int { return t.depth }

// Submit hands fn to the blocked worker thread and returns once the worker
// has accepted it. fn runs on the worker thread. Submit fails with
// ErrCallFinished if the call already returned, or ctx.Err() if ctx ends first.
func (t *Token) Submit(ctx context.Context, fn func()) error {
	select {
	case <-t.done:
		return ErrCallFinished
	default:
	}
	select {
	case t.nested <- fn:
		return nil
	case <-t.done:
		return ErrCallFinished
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithToken returns a context carrying tok.
func WithToken(ctx context.Context, tok *Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, tok)
}

// TokenFrom extracts the bridge token from ctx, if any.
func TokenFrom(ctx context.Context) (*Token, bool) {
	if ctx == nil {
		return nil, false
	}
	tok, ok := ctx.Value(tokenKey{}).(*Token)
	return tok, ok && tok != nil
}
