// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/ManuGH/rlmd/internal/metrics"
)

// Terminate stops a sandbox process group: SIGTERM, then SIGKILL if the
// process has not exited within grace. It always drains waitCh and returns
// the process's wait error. Safe on nil commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	metrics.IncProcTerminate("SIGTERM", signalResult(Kill(cmd, syscall.SIGTERM)))

	select {
	case err := <-waitCh:
		metrics.IncProcWait(waitOutcome("", err))
		return err
	case <-time.After(grace):
	}

	metrics.IncProcTerminate("SIGKILL", signalResult(Kill(cmd, syscall.SIGKILL)))
	err := <-waitCh
	metrics.IncProcWait(waitOutcome("forced_", err))
	return err
}

func signalResult(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return "esrch"
	default:
		return "error"
	}
}

func waitOutcome(prefix string, err error) string {
	if err == nil {
		return prefix + "exit0"
	}
	return prefix + "exit_nonzero"
}
