package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/rlmd/internal/config"
	xglog "github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/metrics"
	"github.com/ManuGH/rlmd/internal/procgroup"
)

const (
	handshakeTimeout = 10 * time.Second
	defaultStopGrace = 2 * time.Second
)

// ProcessOptions configures the process launcher.
type ProcessOptions struct {
	Binary      string
	ExecTimeout time.Duration
	StopGrace   time.Duration
	// Env is the child's environment. Nil gives the child an empty
	// environment so no daemon secrets leak into it.
	Env []string
}

type processLauncher struct {
	opts ProcessOptions
}

// NewProcessLauncher runs each interpreter in an rlm-sandbox child process
// that leads its own process group.
func NewProcessLauncher(opts ProcessOptions) Launcher {
	return &processLauncher{opts: opts}
}

func (l *processLauncher) Name() string { return config.LauncherProcess }

func (l *processLauncher) Launch(ctx context.Context) (Handle, error) {
	cmd := exec.Command(l.opts.Binary, workerArgs(l.opts.ExecTimeout)...)
	cmd.Env = l.opts.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	return startChild(ctx, l.Name(), cmd, l.opts.StopGrace)
}

func workerArgs(execTimeout time.Duration) []string {
	if execTimeout <= 0 {
		return nil
	}
	return []string{"--exec-timeout", execTimeout.String()}
}

// child owns a running rlm-sandbox (or docker CLI) process.
type child struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	waitCh chan error
	grace  time.Duration
	logger zerolog.Logger

	once sync.Once
}

// startChild starts cmd with its stdio wired to the frame protocol and
// completes the handshake.
func startChild(ctx context.Context, name string, cmd *exec.Cmd, grace time.Duration) (Handle, error) {
	start := time.Now()
	h, err := spawn(ctx, name, cmd, grace)
	metrics.RecordSandboxLaunch(name, err, time.Since(start).Seconds())
	return h, err
}

func spawn(ctx context.Context, name string, cmd *exec.Cmd, grace time.Duration) (Handle, error) {
	if grace <= 0 {
		grace = defaultStopGrace
	}
	logger := xglog.WithComponent("sandbox").With().Str(xglog.FieldLauncher, name).Logger()

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = inW.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = logger.With().Str(xglog.FieldEvent, "sandbox.stderr").Logger()
	procgroup.Set(cmd)

	err = cmd.Start()
	// The child holds its own copies now.
	_ = inR.Close()
	_ = outW.Close()
	if err != nil {
		_ = inW.Close()
		_ = outR.Close()
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	c := &child{
		cmd:    cmd,
		stdin:  inW,
		stdout: outR,
		waitCh: make(chan error, 1),
		grace:  grace,
		logger: logger.With().Int(xglog.FieldPID, cmd.Process.Pid).Logger(),
	}
	go func() { c.waitCh <- cmd.Wait() }()

	h := newStreamHandle(name, outR, inW, c.kill, nil)
	h.closeFn = func() error { return c.close(h) }

	done := make(chan error, 1)
	go func() { done <- h.handshake() }()
	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-ctx.Done():
		c.kill()
		<-done
		err = ctx.Err()
	case <-timer.C:
		c.kill()
		<-done
		err = errors.New("handshake timed out")
	}
	if err != nil {
		c.kill()
		c.release()
		return nil, fmt.Errorf("launch %s sandbox: %w", name, err)
	}
	c.logger.Debug().Str(xglog.FieldEvent, "sandbox.started").Msg("sandbox child started")
	return h, nil
}

// kill SIGKILLs the process group. Reads on stdout then see EOF.
func (c *child) kill() {
	_ = procgroup.Kill(c.cmd, syscall.SIGKILL)
}

// release waits for the process and closes the parent's pipe ends.
func (c *child) release() {
	c.once.Do(func() {
		<-c.waitCh
		_ = c.stdin.Close()
		_ = c.stdout.Close()
	})
}

// close asks the child to exit, then escalates to SIGTERM/SIGKILL.
func (c *child) close(h *streamHandle) error {
	c.once.Do(func() {
		acked := shutdownWithin(h, c.grace)
		_ = c.stdin.Close()
		if acked {
			select {
			case <-c.waitCh:
				_ = c.stdout.Close()
				c.logger.Debug().Str(xglog.FieldEvent, "sandbox.stopped").Msg("sandbox child exited")
				return
			case <-time.After(c.grace):
			}
		}
		werr := procgroup.Terminate(c.cmd, c.waitCh, c.grace)
		_ = c.stdout.Close()
		c.logger.Debug().Err(werr).Str(xglog.FieldEvent, "sandbox.terminated").Msg("sandbox child terminated")
	})
	return nil
}

func shutdownWithin(h *streamHandle, grace time.Duration) bool {
	acked := make(chan bool, 1)
	go func() { acked <- h.shutdown() }()
	select {
	case ok := <-acked:
		return ok
	case <-time.After(grace):
		// The reader goroutine unblocks once the process is gone.
		return false
	}
}
