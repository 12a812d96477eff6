package repl

import (
	"context"
	"sync"
	"time"
)

// budget is a context whose deadline only advances while the interpreter is
// running. Bridge calls pause it so a slow model does not eat into the
// execution time limit of the code that called it.
type budget struct {
	mu         sync.Mutex
	done       chan struct{}
	remaining  time.Duration
	started    time.Time
	timer      *time.Timer
	paused     bool
	err        error
	stopParent func() bool
}

func newBudget(parent context.Context, limit time.Duration) *budget {
	b := &budget{
		done:      make(chan struct{}),
		remaining: limit,
		paused:    true,
	}
	if parent != nil {
		b.stopParent = context.AfterFunc(parent, func() { b.finish(parent.Err()) })
	}
	b.resume()
	return b
}

func (b *budget) Deadline() (time.Time, bool) { return time.Time{}, false }
func (b *budget) Done() <-chan struct{}       { return b.done }
func (b *budget) Value(any) any               { return nil }

func (b *budget) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// expired reports whether the time limit ran out, as opposed to the caller
// cancelling.
func (b *budget) expired() bool {
	return b.Err() == context.DeadlineExceeded
}

func (b *budget) pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused || b.err != nil {
		return
	}
	b.paused = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.remaining -= time.Since(b.started)
}

func (b *budget) resume() {
	b.mu.Lock()
	if !b.paused || b.err != nil {
		b.mu.Unlock()
		return
	}
	b.paused = false
	b.started = time.Now()
	if b.remaining <= 0 {
		b.mu.Unlock()
		b.finish(context.DeadlineExceeded)
		return
	}
	b.timer = time.AfterFunc(b.remaining, func() { b.finish(context.DeadlineExceeded) })
	b.mu.Unlock()
}

func (b *budget) finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return
	}
	b.err = err
	close(b.done)
}

// release stops the timer and detaches from the parent context.
func (b *budget) release() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	if b.stopParent != nil {
		b.stopParent()
	}
}
