package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ManuGH/rlmd/internal/sandbox"
)

// Kind selects what a command does.
type Kind string

const (
	KindExecute     Kind = "execute"
	KindGetVariable Kind = "get_variable"
)

// Command is one unit of work for a session.
type Command struct {
	Kind Kind
	// Code is the source to run (Execute).
	Code string
	// Name is the variable to read (GetVariable).
	Name string
	// Bindings are assigned before Code runs (Execute).
	Bindings map[string]any
	// Scope is the variable namespace; empty means the session globals.
	Scope string
	// Fresh resets Scope before running (Execute).
	Fresh bool
}

// Execute builds an Execute command.
func Execute(code string) Command {
	return Command{Kind: KindExecute, Code: code}
}

// GetVariable builds a GetVariable command.
func GetVariable(name string) Command {
	return Command{Kind: KindGetVariable, Name: name}
}

func (c Command) validate() error {
	switch c.Kind {
	case KindExecute:
		return nil
	case KindGetVariable:
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: variable name is empty", ErrInvalidCommand)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, c.Kind)
	}
}

// Reply is the single answer to a command. For GetVariable the value is in
// Result.Value.
type Reply struct {
	Result sandbox.Result
	Err    error
}

// Pending is the caller's handle on a dispatched command. Exactly one reply
// is ever delivered.
type Pending struct {
	sessionID string
	ch        chan Reply
	once      sync.Once
}

func newPending(sessionID string) *Pending {
	return &Pending{sessionID: sessionID, ch: make(chan Reply, 1)}
}

// SessionID returns the session the command was dispatched to.
func (p *Pending) SessionID() string { return p.sessionID }

func (p *Pending) resolve(r Reply) {
	p.once.Do(func() { p.ch <- r })
}

// Wait blocks for the reply. If ctx ends first the command keeps running in
// its session; only the wait is abandoned.
func (p *Pending) Wait(ctx context.Context) (sandbox.Result, error) {
	select {
	case r := <-p.ch:
		// Put it back so a later Wait sees the same reply.
		p.ch <- r
		return r.Result, r.Err
	case <-ctx.Done():
		return sandbox.Result{}, ctx.Err()
	}
}

// envelope carries a command through the session inbox.
type envelope struct {
	cmd     Command
	pending *Pending
}
