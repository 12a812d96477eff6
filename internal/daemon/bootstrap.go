// SPDX-License-Identifier: MIT

// Package daemon wires rlmd together and runs its lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/rlmd/internal/api"
	"github.com/ManuGH/rlmd/internal/broker"
	"github.com/ManuGH/rlmd/internal/config"
	"github.com/ManuGH/rlmd/internal/health"
	"github.com/ManuGH/rlmd/internal/llm"
	"github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/rlm"
	"github.com/ManuGH/rlmd/internal/sandbox"
	"github.com/ManuGH/rlmd/internal/telemetry"
)

// Build constructs every component from the holder's current configuration
// and returns an App ready to Run. Components built before a failure are
// released before Build returns.
func Build(ctx context.Context, holder *config.Holder) (*App, error) {
	cfg := holder.Get()
	logger := log.WithComponent("daemon")

	var cleanup []func(context.Context) error
	fail := func(err error) (*App, error) {
		var errs []error
		for i := len(cleanup) - 1; i >= 0; i-- {
			errs = append(errs, cleanup[i](ctx))
		}
		return nil, errors.Join(append([]error{err}, errs...)...)
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.ConfigFrom(cfg.Telemetry, cfg.Version))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	cleanup = append(cleanup, tp.Shutdown)
	if cfg.Telemetry.Enabled {
		logger.Info().
			Str("exporter", cfg.Telemetry.Exporter).
			Str("endpoint", cfg.Telemetry.Endpoint).
			Float64("sampling_rate", cfg.Telemetry.SamplingRate).
			Msg("telemetry initialized")
	}

	root, sub, err := llm.NewPair(ctx, cfg.LLM)
	if err != nil {
		return fail(fmt.Errorf("model clients: %w", err))
	}

	launcher, err := sandbox.NewLauncher(cfg.Sandbox)
	if err != nil {
		return fail(fmt.Errorf("sandbox launcher: %w", err))
	}
	pool, err := sandbox.NewPool(ctx, launcher, cfg.Sandbox.PoolSize)
	if err != nil {
		return fail(fmt.Errorf("sandbox pool: %w", err))
	}
	cleanup = append(cleanup, func(context.Context) error { return pool.Close() })

	engine := rlm.New(root, sub, rlm.OptionsFromConfig(cfg.LLM))
	b := broker.New(cfg.Broker, pool, engine, broker.WithLogger(log.WithComponent("broker")))
	engine.Attach(b)
	cleanup = append(cleanup, b.Shutdown)

	hm := health.NewManager(cfg.Version)
	hm.RegisterChecker(health.NewBrokerChecker(b.Stats))
	hm.RegisterChecker(health.NewPoolChecker(pool.Idle, cfg.Sandbox.PoolSize))
	hm.RegisterChecker(health.NewModelChecker("model_root", root.BreakerState))
	hm.RegisterChecker(health.NewModelChecker("model_sub", sub.BreakerState))

	var opts []api.Option
	if cfg.Telemetry.Enabled {
		opts = append(opts, api.WithTracing(cfg.Telemetry.ServiceName))
	}
	srv := api.New(cfg.Server, api.Deps{
		Sessions: b,
		Engine:   engine,
		Health:   hm,
		Model:    cfg.LLM.Model,
	}, opts...)

	sweeper := &broker.Sweeper{
		Broker: b,
		Conf: broker.SweeperConfig{
			Interval:    cfg.Broker.SweepInterval,
			IdleTimeout: cfg.Broker.IdleTimeout,
		},
	}
	mgr, err := NewManager(cfg.Server, Deps{
		Logger:     logger,
		APIHandler: srv.Handler(),
		Tasks:      []Task{{Name: "sweeper", Run: sweeper.Run}},
	})
	if err != nil {
		return fail(err)
	}

	// LIFO: the broker drains before the pool closes, tracing flushes last.
	mgr.RegisterShutdownHook("telemetry", tp.Shutdown)
	mgr.RegisterShutdownHook("sandbox_pool", func(context.Context) error { return pool.Close() })
	mgr.RegisterShutdownHook("broker", b.Shutdown)

	logger.Info().
		Str("version", cfg.Version).
		Str("model", cfg.LLM.Model).
		Str("launcher", cfg.Sandbox.Launcher).
		Int("max_sessions", cfg.Broker.MaxSessions).
		Int("pool_size", cfg.Sandbox.PoolSize).
		Msg("daemon assembled")

	return NewApp(logger, mgr, holder), nil
}

// WaitForShutdown returns a context cancelled on interrupt or termination.
func WaitForShutdown() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
