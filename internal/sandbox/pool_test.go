package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/rlmd/internal/bridge"
	"github.com/ManuGH/rlmd/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHandle struct {
	id     int
	closed atomic.Bool
}

func (h *fakeHandle) Execute(context.Context, Request, bridge.Caller) (Result, error) {
	return Result{}, nil
}
func (h *fakeHandle) GetVariable(context.Context, string, string) (string, error) { return "", nil }
func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []*fakeHandle
	fail     atomic.Bool
}

func (l *fakeLauncher) Name() string { return "fake" }

func (l *fakeLauncher) Launch(context.Context) (Handle, error) {
	if l.fail.Load() {
		return nil, errors.New("launch refused")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h := &fakeHandle{id: len(l.launched) + 1}
	l.launched = append(l.launched, h)
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func TestPool_PrefillAcquireRefill(t *testing.T) {
	l := &fakeLauncher{}
	p, err := NewPool(context.Background(), l, 2)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 2, p.Idle())
	assert.Equal(t, 2, l.count())

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.(*fakeHandle).id, "oldest idle handle first")

	require.Eventually(t, func() bool { return p.Idle() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, l.count())
}

func TestPool_ColdLaunchWhenEmpty(t *testing.T) {
	l := &fakeLauncher{}
	p, err := NewPool(context.Background(), l, 0)
	require.NoError(t, err)
	defer p.Close()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 0, p.Idle())
}

func TestPool_PrefillFailure(t *testing.T) {
	l := &fakeLauncher{}
	l.fail.Store(true)
	_, err := NewPool(context.Background(), l, 1)
	assert.Error(t, err)
}

func TestPool_RefillIsBestEffort(t *testing.T) {
	l := &fakeLauncher{}
	p, err := NewPool(context.Background(), l, 1)
	require.NoError(t, err)
	defer p.Close()

	l.fail.Store(true)
	_, err = p.Acquire(context.Background())
	require.NoError(t, err, "idle handle is served even though refill fails")

	_, err = p.Acquire(context.Background())
	assert.Error(t, err, "cold launch surfaces the failure")
}

func TestPool_RetireClosesHandle(t *testing.T) {
	l := &fakeLauncher{}
	p, err := NewPool(context.Background(), l, 0)
	require.NoError(t, err)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Retire(h)
	require.NoError(t, p.Close())
	assert.True(t, h.(*fakeHandle).closed.Load())
}

func TestPool_CloseClosesIdle(t *testing.T) {
	l := &fakeLauncher{}
	p, err := NewPool(context.Background(), l, 3)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	for _, h := range l.launched {
		assert.True(t, h.closed.Load())
	}
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestInProcess_RoundTrip(t *testing.T) {
	h, err := NewInProcessLauncher(time.Second).Launch(context.Background())
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Execute(context.Background(), Request{Code: "x = 5"}, nil)
	require.NoError(t, err)
	v, err := h.GetVariable(context.Background(), "x", "")
	require.NoError(t, err)
	assert.Equal(t, "5", v)

	_, err = h.GetVariable(context.Background(), "y", "")
	assert.ErrorIs(t, err, ErrVariableNotFound)

	require.NoError(t, h.Close())
	_, err = h.Execute(context.Background(), Request{Code: "1"}, nil)
	assert.ErrorIs(t, err, ErrFault)
}

func TestDockerArgs(t *testing.T) {
	l := NewDockerLauncher(DockerOptions{
		Binary:      "/opt/rlmd/rlm-sandbox",
		Image:       "debian:bookworm-slim",
		Runtime:     "runsc",
		Network:     "none",
		Memory:      "512m",
		CPUs:        1.5,
		ExecTimeout: 10 * time.Second,
	}).(*dockerLauncher)

	want := []string{
		"run", "--rm", "-i", "--init", "--read-only",
		"--cap-drop", "ALL", "--security-opt", "no-new-privileges",
		"--runtime=runsc", "--network", "none", "--memory", "512m", "--cpus", "1.5",
		"-v", "/opt/rlmd/rlm-sandbox:/rlm-sandbox:ro",
		"debian:bookworm-slim", "/rlm-sandbox", "--exec-timeout", "10s",
	}
	if diff := cmp.Diff(want, l.args()); diff != "" {
		t.Errorf("docker args mismatch (-want +got):\n%s", diff)
	}
}

func TestNewLauncher(t *testing.T) {
	l, err := NewLauncher(config.SandboxConfig{Launcher: config.LauncherInProcess})
	require.NoError(t, err)
	assert.Equal(t, config.LauncherInProcess, l.Name())

	_, err = NewLauncher(config.SandboxConfig{Launcher: config.LauncherProcess, WorkerBinary: "/does/not/exist"})
	assert.Error(t, err)

	_, err = NewLauncher(config.SandboxConfig{Launcher: "vm"})
	assert.Error(t, err)
}

func TestResolveWorkerBinary(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "rlm-sandbox")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	got, err := ResolveWorkerBinary(bin)
	require.NoError(t, err)
	assert.Equal(t, bin, got)
}
