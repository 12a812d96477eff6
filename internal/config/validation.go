package config

import (
	"time"

	"github.com/ManuGH/rlmd/internal/validate"
)

// Validate checks the resolved configuration and reports every violation at once.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.ListenAddr("server.listen", cfg.Server.ListenAddr)
	v.Range("server.max_inflight", cfg.Server.MaxInflight, 1, 4096)
	v.NonNegative("server.rate_limit_rpm", cfg.Server.RateLimitRPM)
	v.MinDuration("server.request_timeout", cfg.Server.RequestTimeout, time.Second)
	v.MinDuration("server.shutdown_timeout", cfg.Server.ShutdownTimeout, time.Second)

	v.Range("broker.max_sessions", cfg.Broker.MaxSessions, 1, 65536)
	v.Range("broker.max_queue_depth", cfg.Broker.MaxQueueDepth, 1, 1024)
	v.MinDuration("broker.idle_timeout", cfg.Broker.IdleTimeout, time.Second)
	v.MinDuration("broker.sweep_interval", cfg.Broker.SweepInterval, 100*time.Millisecond)

	v.OneOf("sandbox.launcher", cfg.Sandbox.Launcher,
		[]string{LauncherInProcess, LauncherProcess, LauncherDocker})
	v.NonNegative("sandbox.pool_size", cfg.Sandbox.PoolSize)
	v.MinDuration("sandbox.exec_timeout", cfg.Sandbox.ExecTimeout, 10*time.Millisecond)
	v.MinDuration("sandbox.stop_grace", cfg.Sandbox.StopGrace, 0)
	if cfg.Sandbox.Launcher != LauncherInProcess && cfg.Sandbox.WorkerBinary != "" {
		v.File("sandbox.worker_binary", cfg.Sandbox.WorkerBinary)
	}
	if cfg.Sandbox.Launcher == LauncherDocker {
		v.NotEmpty("sandbox.docker.image", cfg.Sandbox.Docker.Image)
		v.NotEmpty("sandbox.docker.runtime", cfg.Sandbox.Docker.Runtime)
		v.FloatRange("sandbox.docker.cpus", cfg.Sandbox.Docker.CPUs, 0, 512)
	}

	v.URL("llm.base_url", cfg.LLM.BaseURL, []string{"http", "https"})
	v.NotEmpty("llm.model", cfg.LLM.Model)
	v.NotEmpty("llm.recursive_model", cfg.LLM.RecursiveModel)
	v.NonNegative("llm.max_tokens", cfg.LLM.MaxTokens)
	v.MinDuration("llm.timeout", cfg.LLM.Timeout, time.Second)
	v.Range("llm.max_iterations", cfg.LLM.MaxIterations, 1, 1000)
	v.Range("llm.depth", cfg.LLM.Depth, 0, 8)
	v.FloatRange("llm.subcall_rps", cfg.LLM.SubcallRPS, 0, 10000)
	v.NonNegative("llm.subcall_burst", cfg.LLM.SubcallBurst)

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		v.FloatRange("telemetry.sampling_rate", cfg.Telemetry.SamplingRate, 0, 1)
	}

	v.LogLevel("log.level", cfg.Log.Level)

	return v.Err()
}
