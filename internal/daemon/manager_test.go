// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/ManuGH/rlmd/internal/config"
	"github.com/ManuGH/rlmd/internal/log"
)

func reserveListenAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve listen addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitForListen(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.New("listen timeout")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func TestNewManager_ValidDeps(t *testing.T) {
	mgr, err := NewManager(config.ServerConfig{ListenAddr: "127.0.0.1:0"}, Deps{
		Logger:     log.WithComponent("test"),
		APIHandler: http.NotFoundHandler(),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if mgr == nil {
		t.Fatal("NewManager() returned nil manager")
	}
}

func TestNewManager_MissingDeps(t *testing.T) {
	tests := []struct {
		name string
		deps Deps
		want error
	}{
		{"logger", Deps{Logger: zerolog.Nop(), APIHandler: http.NotFoundHandler()}, ErrMissingLogger},
		{"handler", Deps{Logger: log.WithComponent("test")}, ErrMissingAPIHandler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(config.ServerConfig{ListenAddr: "127.0.0.1:0"}, tt.deps)
			if !errors.Is(err, tt.want) {
				t.Fatalf("NewManager() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestManager_StartStop_OK(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	taskStopped := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) ShutdownHook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			// The task must be gone before any hook runs.
			select {
			case <-taskStopped:
			default:
				t.Errorf("hook %s ran before tasks stopped", name)
			}
			order = append(order, name)
			return nil
		}
	}

	serverCfg := config.ServerConfig{
		ListenAddr:      reserveListenAddr(t),
		ShutdownTimeout: 2 * time.Second,
	}
	mgr, err := NewManager(serverCfg, Deps{
		Logger:     log.WithComponent("test"),
		APIHandler: okHandler(),
		Tasks: []Task{{Name: "ticker", Run: func(ctx context.Context) {
			<-ctx.Done()
			close(taskStopped)
		}}},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	mgr.RegisterShutdownHook("first", record("first"))
	mgr.RegisterShutdownHook("second", record("second"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- mgr.Start(ctx)
	}()

	if err := waitForListen(serverCfg.ListenAddr, 2*time.Second); err != nil {
		t.Fatalf("server did not start listening: %v", err)
	}
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + serverCfg.ListenAddr)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, ",") != "second,first" {
		t.Errorf("hook order = %v, want LIFO", order)
	}

	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v, want nil", err)
	}
}

func TestManager_Shutdown_TimesOut(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	requestStarted := make(chan struct{})
	releaseHandler := make(chan struct{})
	handler := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-requestStarted:
		default:
			close(requestStarted)
		}
		select {
		case <-r.Context().Done():
		case <-releaseHandler:
		}
	})

	serverCfg := config.ServerConfig{
		ListenAddr:      reserveListenAddr(t),
		ShutdownTimeout: 100 * time.Millisecond,
	}
	mgr, err := NewManager(serverCfg, Deps{
		Logger:     log.WithComponent("test"),
		APIHandler: handler,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- mgr.Start(ctx)
	}()

	if err := waitForListen(serverCfg.ListenAddr, 2*time.Second); err != nil {
		t.Fatalf("server did not start listening: %v", err)
	}

	requestDone := make(chan struct{})
	go func() {
		defer close(requestDone)
		client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+serverCfg.ListenAddr, nil)
		resp, err := client.Do(req)
		if err == nil && resp != nil {
			_ = resp.Body.Close()
		}
	}()

	select {
	case <-requestStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("expected in-flight request before shutdown")
	}

	cancel()

	select {
	case err := <-errChan:
		if err == nil {
			t.Fatal("expected shutdown timeout error, got nil")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("unexpected shutdown error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}

	close(releaseHandler)

	select {
	case <-requestDone:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked request did not terminate after shutdown")
	}
}

func TestManager_Shutdown_NotStarted(t *testing.T) {
	mgr, err := NewManager(config.ServerConfig{ListenAddr: "127.0.0.1:0"}, Deps{
		Logger:     log.WithComponent("test"),
		APIHandler: http.NotFoundHandler(),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	err = mgr.Shutdown(context.Background())
	if !errors.Is(err, ErrManagerNotStarted) {
		t.Errorf("Shutdown() error = %v, want %v", err, ErrManagerNotStarted)
	}
}

func TestManager_HookErrorsAreJoined(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mgr, err := NewManager(config.ServerConfig{ListenAddr: "127.0.0.1:0"}, Deps{
		Logger:     log.WithComponent("test"),
		APIHandler: http.NotFoundHandler(),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	errPool := errors.New("pool close failed")
	var ranAfterFailure bool
	mgr.RegisterShutdownHook("after", func(context.Context) error {
		ranAfterFailure = true
		return nil
	})
	mgr.RegisterShutdownHook("pool", func(context.Context) error { return errPool })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = mgr.Start(ctx)
	if !errors.Is(err, errPool) {
		t.Fatalf("Start() error = %v, want %v", err, errPool)
	}
	if !strings.Contains(err.Error(), "hook pool") {
		t.Errorf("error %q does not name the hook", err)
	}
	if !ranAfterFailure {
		t.Error("a failing hook must not stop the remaining hooks")
	}
}

func TestManager_PropagatesListenErrors(t *testing.T) {
	testServer := httptest.NewServer(http.NotFoundHandler())
	defer testServer.Close()

	hookRan := false
	mgr, err := NewManager(config.ServerConfig{
		ListenAddr:      testServer.Listener.Addr().String(),
		ShutdownTimeout: time.Second,
	}, Deps{
		Logger:     log.WithComponent("test"),
		APIHandler: http.NotFoundHandler(),
		Tasks: []Task{{Name: "never", Run: func(context.Context) {
			t.Error("tasks must not start when the listener fails")
		}}},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	mgr.RegisterShutdownHook("release", func(context.Context) error {
		hookRan = true
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = mgr.Start(ctx)
	if !errors.Is(err, ErrServerStartFailed) {
		t.Fatalf("Start() error = %v, want %v", err, ErrServerStartFailed)
	}
	if !hookRan {
		t.Error("shutdown hooks must release resources after a bind failure")
	}
}
