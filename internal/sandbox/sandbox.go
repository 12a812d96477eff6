// Package sandbox launches and talks to isolated interpreter instances.
//
// A Handle is owned by exactly one session worker and must only be used from
// that worker's thread. Launchers produce handles either in-process, as a
// child process in its own process group, or inside a gVisor container.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ManuGH/rlmd/internal/bridge"
	"github.com/ManuGH/rlmd/internal/config"
	"github.com/ManuGH/rlmd/internal/repl"
)

var (
	// ErrFault marks an unusable sandbox: a crashed child, a broken pipe, a
	// malformed frame or an interpreter panic.
	ErrFault = errors.New("sandbox fault")
	// ErrVariableNotFound is returned by GetVariable for unknown names.
	ErrVariableNotFound = repl.ErrVariableNotFound
	// ErrPoolClosed is returned by Pool.Acquire after Close.
	ErrPoolClosed = errors.New("sandbox pool closed")
)

type (
	// Request is one Execute payload.
	Request = repl.Request
	// Result is the outcome of one Execute.
	Result = repl.Result
	// Local describes a user variable reported after an Execute.
	Local = repl.Local
)

// Handle is one live interpreter.
type Handle interface {
	// Execute runs code. caller serves the bridge primitives while it runs.
	Execute(ctx context.Context, req Request, caller bridge.Caller) (Result, error)
	GetVariable(ctx context.Context, name, scope string) (string, error)
	Close() error
}

// Launcher creates handles.
type Launcher interface {
	Name() string
	Launch(ctx context.Context) (Handle, error)
}

// NewLauncher builds the launcher selected by cfg.Launcher.
func NewLauncher(cfg config.SandboxConfig) (Launcher, error) {
	switch cfg.Launcher {
	case "", config.LauncherInProcess:
		return NewInProcessLauncher(cfg.ExecTimeout), nil
	case config.LauncherProcess:
		bin, err := ResolveWorkerBinary(cfg.WorkerBinary)
		if err != nil {
			return nil, err
		}
		return NewProcessLauncher(ProcessOptions{
			Binary:      bin,
			ExecTimeout: cfg.ExecTimeout,
			StopGrace:   cfg.StopGrace,
		}), nil
	case config.LauncherDocker:
		bin, err := ResolveWorkerBinary(cfg.WorkerBinary)
		if err != nil {
			return nil, err
		}
		return NewDockerLauncher(DockerOptions{
			Binary:      bin,
			Image:       cfg.Docker.Image,
			Runtime:     cfg.Docker.Runtime,
			Network:     cfg.Docker.Network,
			Memory:      cfg.Docker.Memory,
			CPUs:        cfg.Docker.CPUs,
			ExecTimeout: cfg.ExecTimeout,
			StopGrace:   cfg.StopGrace,
		}), nil
	default:
		return nil, fmt.Errorf("unknown sandbox launcher %q", cfg.Launcher)
	}
}

// WorkerBinaryName is the child executable looked up next to the daemon.
const WorkerBinaryName = "rlm-sandbox"

// ResolveWorkerBinary returns path if set, otherwise rlm-sandbox next to the
// running executable.
func ResolveWorkerBinary(path string) (string, error) {
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("resolve executable: %w", err)
		}
		path = filepath.Join(filepath.Dir(exe), WorkerBinaryName+filepath.Ext(exe))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve worker binary: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("sandbox worker binary not found at %s (build ./cmd/rlm-sandbox): %w", abs, err)
	}
	return abs, nil
}
