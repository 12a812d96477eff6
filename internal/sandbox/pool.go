package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/metrics"
)

// Pool keeps a number of pre-launched handles so new sessions do not pay the
// launch latency. Handles are never reused: a retired handle is closed and a
// fresh one launched in its place.
type Pool struct {
	launcher Launcher
	target   int
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	idle      []Handle
	refilling bool
	closed    bool
}

// NewPool launches target handles up front and fails if any launch fails.
func NewPool(ctx context.Context, launcher Launcher, target int) (*Pool, error) {
	if target < 0 {
		target = 0
	}
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Pool{
		launcher: launcher,
		target:   target,
		logger:   xglog.WithComponent("sandbox_pool").With().Str(xglog.FieldLauncher, launcher.Name()).Logger(),
		ctx:      pctx,
		cancel:   cancel,
	}
	for i := 0; i < target; i++ {
		h, err := launcher.Launch(ctx)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("prefill sandbox pool: %w", err)
		}
		p.idle = append(p.idle, h)
	}
	metrics.SandboxPoolIdle.Set(float64(len(p.idle)))
	return p, nil
}

// Acquire hands out an idle handle, or launches one when the pool is empty.
func (p *Pool) Acquire(ctx context.Context) (Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	var h Handle
	if len(p.idle) > 0 {
		h = p.idle[0]
		p.idle = p.idle[1:]
	}
	metrics.SandboxPoolIdle.Set(float64(len(p.idle)))
	p.mu.Unlock()

	fromPool := h != nil
	if !fromPool {
		var err error
		h, err = p.launcher.Launch(ctx)
		if err != nil {
			return nil, err
		}
	}
	metrics.RecordSandboxAcquire(fromPool)
	p.refill()
	return h, nil
}

// Retire closes h off the caller's path and tops the pool back up.
func (p *Pool) Retire(h Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = h.Close()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		start := time.Now()
		if err := h.Close(); err != nil {
			p.logger.Warn().Err(err).Str(xglog.FieldEvent, "sandbox.retire_failed").Msg("closing sandbox failed")
			return
		}
		p.logger.Debug().Int64(xglog.FieldDurationMS, time.Since(start).Milliseconds()).
			Str(xglog.FieldEvent, "sandbox.retired").Msg("sandbox retired")
	}()
	p.refill()
}

// Idle reports how many pre-launched handles are waiting.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// refill launches handles in the background until the target is reached or
// a launch fails.
func (p *Pool) refill() {
	p.mu.Lock()
	if p.closed || p.refilling || len(p.idle) >= p.target {
		p.mu.Unlock()
		return
	}
	p.refilling = true
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		for {
			p.mu.Lock()
			if p.closed || len(p.idle) >= p.target {
				p.refilling = false
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()

			h, err := p.launcher.Launch(p.ctx)

			p.mu.Lock()
			if err != nil {
				p.refilling = false
				p.mu.Unlock()
				if !errors.Is(err, context.Canceled) {
					p.logger.Warn().Err(err).Str(xglog.FieldEvent, "sandbox.refill_failed").Msg("pool refill failed")
				}
				return
			}
			if p.closed {
				p.refilling = false
				p.mu.Unlock()
				_ = h.Close()
				return
			}
			p.idle = append(p.idle, h)
			metrics.SandboxPoolIdle.Set(float64(len(p.idle)))
			p.mu.Unlock()
		}
	}()
}

// Close stops refilling, closes idle handles and waits for background work.
// Handles already acquired stay with their owners.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.cancel()
	var errs []error
	for _, h := range idle {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()
	metrics.SandboxPoolIdle.Set(0)
	return errors.Join(errs...)
}
