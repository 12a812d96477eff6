package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/rlmd/internal/bridge"
	"github.com/ManuGH/rlmd/internal/config"
	"github.com/ManuGH/rlmd/internal/metrics"
	"github.com/ManuGH/rlmd/internal/repl"
)

type inProcessLauncher struct {
	timeout time.Duration
}

// NewInProcessLauncher runs interpreters inside the daemon. It isolates
// sessions from each other but not from the host.
func NewInProcessLauncher(execTimeout time.Duration) Launcher {
	return &inProcessLauncher{timeout: execTimeout}
}

func (l *inProcessLauncher) Name() string { return config.LauncherInProcess }

func (l *inProcessLauncher) Launch(ctx context.Context) (Handle, error) {
	start := time.Now()
	env, err := repl.New(repl.Options{Timeout: l.timeout})
	metrics.RecordSandboxLaunch(l.Name(), err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("launch in-process interpreter: %w", err)
	}
	return &inProcessHandle{env: env}, nil
}

type inProcessHandle struct {
	env *repl.Env
}

func (h *inProcessHandle) Execute(ctx context.Context, req Request, caller bridge.Caller) (Result, error) {
	res, err := h.env.Execute(ctx, req, caller)
	if err != nil {
		return Result{}, translate(err)
	}
	return res, nil
}

func (h *inProcessHandle) GetVariable(_ context.Context, name, scope string) (string, error) {
	v, err := h.env.GetVariable(name, scope)
	if err != nil {
		return "", translate(err)
	}
	return v, nil
}

func (h *inProcessHandle) Close() error {
	return h.env.Close()
}

// translate maps interpreter errors onto sandbox errors.
func translate(err error) error {
	switch {
	case errors.Is(err, repl.ErrVariableNotFound):
		return err
	case errors.Is(err, repl.ErrFault), errors.Is(err, repl.ErrClosed):
		return fmt.Errorf("%w: %w", ErrFault, err)
	default:
		return err
	}
}
