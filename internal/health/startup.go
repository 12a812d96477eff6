// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ManuGH/rlmd/internal/config"
	"github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/sandbox"
)

// PerformStartupChecks validates the environment before the daemon starts.
func PerformStartupChecks(_ context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkListenAddr(logger, cfg.Server.ListenAddr); err != nil {
		return err
	}
	if err := checkSandbox(logger, cfg.Sandbox); err != nil {
		return fmt.Errorf("sandbox check failed: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("no model API key configured (set OPENAI_API_KEY)")
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Debug().Str("addr", addr).Msg("listen address is valid")
	return nil
}

func checkSandbox(logger zerolog.Logger, cfg config.SandboxConfig) error {
	switch cfg.Launcher {
	case "", config.LauncherInProcess:
		logger.Warn().Msg("sandbox launcher is inprocess; interpreter code shares the daemon process")
		return nil
	case config.LauncherProcess, config.LauncherDocker:
		bin, err := sandbox.ResolveWorkerBinary(cfg.WorkerBinary)
		if err != nil {
			return err
		}
		logger.Debug().Str("worker_binary", bin).Msg("sandbox worker binary found")
	default:
		return fmt.Errorf("unknown launcher %q", cfg.Launcher)
	}
	if cfg.Launcher == config.LauncherDocker {
		if _, err := exec.LookPath("docker"); err != nil {
			return fmt.Errorf("docker CLI not found: %w", err)
		}
		logger.Debug().Str("runtime", cfg.Docker.Runtime).Msg("docker CLI available")
	}
	return nil
}
