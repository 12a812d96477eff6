// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command rlmd serves recursive language model completions over an
// OpenAI-compatible HTTP API, running model-written Lua in per-session
// sandboxes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ManuGH/rlmd/internal/config"
	"github.com/ManuGH/rlmd/internal/daemon"
	"github.com/ManuGH/rlmd/internal/health"
	xglog "github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/version"
)

const envConfigPath = "RLMD_CONFIG"

var (
	configPath string
	envFile    string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rlmd",
		Short:         "Recursive language model daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadDotEnv(envFile)
		},
		// Bare "rlmd" serves, like "rlmd serve".
		RunE: runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML); defaults to $"+envConfigPath)
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP gateway",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		newConfigCmd(),
		newHealthcheckCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.String())
			},
		},
	)
	return root
}

// loadDotEnv loads path if it exists. Variables already set win.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath() string {
	if p := strings.TrimSpace(configPath); p != "" {
		return p
	}
	return strings.TrimSpace(os.Getenv(envConfigPath))
}

func runServe(_ *cobra.Command, _ []string) error {
	path := resolveConfigPath()
	loader := config.NewLoader(path, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	xglog.Configure(xglog.Config{
		Level:   cfg.Log.Level,
		Service: "rlmd",
		Version: cfg.Version,
	})
	logger := xglog.WithComponent("main")

	source := "env+defaults"
	if path != "" {
		source = "file"
	}
	logger.Info().
		Str(xglog.FieldEvent, "config.loaded").
		Str("source", source).
		Str(xglog.FieldPath, path).
		Msg("configuration loaded")

	ctx, stop := daemon.WaitForShutdown()
	defer stop()

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Error().
			Err(err).
			Str(xglog.FieldEvent, "startup.check_failed").
			Msg("startup checks failed")
		return err
	}

	app, err := daemon.Build(ctx, config.NewHolder(cfg, loader))
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Str(xglog.FieldEvent, "daemon.stopped").Msg("rlmd stopped")
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "rlmd:", err)
		os.Exit(1)
	}
}
