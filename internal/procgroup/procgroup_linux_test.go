// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build linux

package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGroup(t *testing.T, script string) (*exec.Cmd, <-chan error) {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	Set(cmd)
	require.NoError(t, cmd.Start())
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()
	return cmd, waitCh
}

func TestKill_SignalsWholeGroup(t *testing.T) {
	cmd, waitCh := startGroup(t, "sleep 10 & sleep 10")
	pid := cmd.Process.Pid

	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	assert.Equal(t, pid, pgid, "child should lead its own group")

	require.NoError(t, Kill(cmd, syscall.SIGKILL))
	err = <-waitCh
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	assert.Equal(t, syscall.SIGKILL, status.Signal())

	time.Sleep(50 * time.Millisecond)
	assert.ErrorIs(t, syscall.Kill(-pgid, syscall.Signal(0)), syscall.ESRCH, "group should be gone")
}

func TestTerminate_GracefulExit(t *testing.T) {
	cmd, waitCh := startGroup(t, "sleep 10")
	err := Terminate(cmd, waitCh, 2*time.Second)
	require.Error(t, err, "SIGTERM ends sleep with a signal status")
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	cmd, waitCh := startGroup(t, "trap '' TERM; sleep 10")
	start := time.Now()
	err := Terminate(cmd, waitCh, 100*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNilCommand(t *testing.T) {
	assert.NoError(t, Kill(nil, syscall.SIGTERM))
	assert.NoError(t, Terminate(nil, nil, time.Second))
}
