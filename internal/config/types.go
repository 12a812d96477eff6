// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads, validates and watches the rlmd configuration.
package config

import "time"

// AppConfig is the fully resolved daemon configuration.
type AppConfig struct {
	Version string `yaml:"-"`

	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	LLM       LLMConfig       `yaml:"llm"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen"`
	MaxInflight     int           `yaml:"max_inflight"`
	RateLimitRPM    int           `yaml:"rate_limit_rpm"` // 0 disables per-IP limiting
	RateLimitAllow  []string      `yaml:"rate_limit_whitelist"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BrokerConfig configures session admission and eviction.
type BrokerConfig struct {
	MaxSessions   int           `yaml:"max_sessions"`
	MaxQueueDepth int           `yaml:"max_queue_depth"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SandboxConfig selects and tunes the interpreter sandbox.
type SandboxConfig struct {
	Launcher     string        `yaml:"launcher"` // inprocess | process | docker
	PoolSize     int           `yaml:"pool_size"`
	ExecTimeout  time.Duration `yaml:"exec_timeout"`
	WorkerBinary string        `yaml:"worker_binary"` // empty: rlm-sandbox next to the daemon binary
	StopGrace    time.Duration `yaml:"stop_grace"`
	Docker       DockerConfig  `yaml:"docker"`
}

// DockerConfig is used when Launcher is "docker".
type DockerConfig struct {
	Image   string  `yaml:"image"`
	Runtime string  `yaml:"runtime"`
	Network string  `yaml:"network"`
	Memory  string  `yaml:"memory"`
	CPUs    float64 `yaml:"cpus"`
}

// LLMConfig configures the model client and the RLM loop.
type LLMConfig struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	RecursiveModel string        `yaml:"recursive_model"`
	MaxTokens      int           `yaml:"max_tokens"` // 0 leaves the provider default
	Timeout        time.Duration `yaml:"timeout"`
	MaxIterations  int           `yaml:"max_iterations"`
	Depth          int           `yaml:"depth"`
	SubcallRPS     float64       `yaml:"subcall_rps"`
	SubcallBurst   int           `yaml:"subcall_burst"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	Exporter     string  `yaml:"exporter"` // grpc | http
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// LogConfig configures logging. Level is the only hot-reloadable field.
type LogConfig struct {
	Level string `yaml:"level"`
}
