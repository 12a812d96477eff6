// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package llm

import (
	"errors"
	"sync"
	"time"

	"github.com/ManuGH/rlmd/internal/metrics"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, requests allowed
	BreakerOpen                         // Circuit open, requests blocked
	BreakerHalfOpen                     // Testing if the provider recovered
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen is returned without contacting the provider while the
// breaker is open.
var ErrCircuitOpen = errors.New("model provider circuit breaker is open")

// Breaker stops calling a model provider after repeated failures and probes
// it again once resetTimeout has passed.
type Breaker struct {
	name             string
	mu               sync.Mutex
	state            BreakerState
	failures         int
	failureThreshold int
	resetTimeout     time.Duration
	lastFailure      time.Time
	now              func() time.Time
}

// NewBreaker creates a closed breaker. A threshold below 1 disables it.
func NewBreaker(name string, threshold int, resetTimeout time.Duration) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: threshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
	metrics.SetCircuitBreakerState(name, b.state.String())
	return b
}

// Do runs fn unless the circuit is open. Errors for which counts returns
// false (cancellations, caller mistakes) leave the breaker untouched.
func (b *Breaker) Do(fn func() error, counts func(error) bool) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.record(true)
	case counts == nil || counts(err):
		b.record(false)
	}
	return err
}

func (b *Breaker) allow() bool {
	if b.failureThreshold < 1 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		if b.now().Sub(b.lastFailure) <= b.resetTimeout {
			return false
		}
		b.setLocked(BreakerHalfOpen)
	}
	return true
}

func (b *Breaker) record(ok bool) {
	if b.failureThreshold < 1 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ok {
		b.failures = 0
		b.setLocked(BreakerClosed)
		return
	}
	b.failures++
	b.lastFailure = b.now()
	if b.state == BreakerHalfOpen || b.failures >= b.failureThreshold {
		b.setLocked(BreakerOpen)
	}
}

func (b *Breaker) setLocked(s BreakerState) {
	if s == b.state {
		return
	}
	b.state = s
	metrics.SetCircuitBreakerState(b.name, s.String())
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
