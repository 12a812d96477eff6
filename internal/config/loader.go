// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{} // Mechanical tracking of consumed keys
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path (may be empty).
func (l *Loader) Path() string {
	return l.configPath
}

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

// Load loads configuration with precedence: ENV > File > Defaults.
// Order: defaults -> strict file parse -> env overrides -> validate.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnvConfig(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML file over cfg with STRICT parsing.
// Unknown fields cause an error wrapping ErrUnknownConfigField.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("strict config parse error: %w: %w", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// mergeEnvConfig applies environment overrides. Unset variables keep the
// value from file or defaults.
func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	cfg.Server.ListenAddr = l.envString("RLMD_LISTEN", cfg.Server.ListenAddr)
	cfg.Server.MaxInflight = l.envInt("RLMD_MAX_INFLIGHT", cfg.Server.MaxInflight)
	cfg.Server.RateLimitRPM = l.envInt("RLMD_RATE_LIMIT_RPM", cfg.Server.RateLimitRPM)
	cfg.Server.RequestTimeout = l.envDuration("RLMD_REQUEST_TIMEOUT", cfg.Server.RequestTimeout)
	cfg.Server.ShutdownTimeout = l.envDuration("RLMD_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Broker.MaxSessions = l.envInt("RLMD_MAX_SESSIONS", cfg.Broker.MaxSessions)
	cfg.Broker.MaxQueueDepth = l.envInt("RLMD_MAX_QUEUE_DEPTH", cfg.Broker.MaxQueueDepth)
	cfg.Broker.IdleTimeout = l.envDuration("RLMD_IDLE_TIMEOUT", cfg.Broker.IdleTimeout)
	cfg.Broker.SweepInterval = l.envDuration("RLMD_SWEEP_INTERVAL", cfg.Broker.SweepInterval)

	cfg.Sandbox.Launcher = l.envString("RLMD_SANDBOX_LAUNCHER", cfg.Sandbox.Launcher)
	cfg.Sandbox.PoolSize = l.envInt("RLMD_SANDBOX_POOL_SIZE", cfg.Sandbox.PoolSize)
	cfg.Sandbox.ExecTimeout = l.envDuration("RLMD_EXEC_TIMEOUT", cfg.Sandbox.ExecTimeout)
	cfg.Sandbox.WorkerBinary = l.envString("RLMD_SANDBOX_BINARY", cfg.Sandbox.WorkerBinary)
	cfg.Sandbox.Docker.Image = l.envString("RLMD_DOCKER_IMAGE", cfg.Sandbox.Docker.Image)
	cfg.Sandbox.Docker.Runtime = l.envString("RLMD_DOCKER_RUNTIME", cfg.Sandbox.Docker.Runtime)

	cfg.LLM.APIKey = l.envString("OPENAI_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.BaseURL = l.envString("OPENAI_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.Model = l.envString("RLMD_MODEL", cfg.LLM.Model)
	cfg.LLM.RecursiveModel = l.envString("RLMD_RECURSIVE_MODEL", cfg.LLM.RecursiveModel)
	cfg.LLM.MaxIterations = l.envInt("RLMD_MAX_ITERATIONS", cfg.LLM.MaxIterations)
	cfg.LLM.Depth = l.envInt("RLMD_DEPTH", cfg.LLM.Depth)
	cfg.LLM.SubcallRPS = l.envFloat("RLMD_SUBCALL_RPS", cfg.LLM.SubcallRPS)

	cfg.Telemetry.Enabled = l.envBool("RLMD_TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = l.envString("RLMD_OTLP_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = l.envString("RLMD_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)

	cfg.Log.Level = l.envString("LOG_LEVEL", cfg.Log.Level)
}
