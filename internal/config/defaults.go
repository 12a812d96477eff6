package config

import "time"

// Launcher names.
const (
	LauncherInProcess = "inprocess"
	LauncherProcess   = "process"
	LauncherDocker    = "docker"
)

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			ListenAddr:      ":3000",
			MaxInflight:     32,
			RateLimitRPM:    600,
			RequestTimeout:  10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Broker: BrokerConfig{
			MaxSessions:   128,
			MaxQueueDepth: 2,
			IdleTimeout:   15 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			Launcher:    LauncherInProcess,
			PoolSize:    4,
			ExecTimeout: 10 * time.Second,
			StopGrace:   2 * time.Second,
			Docker: DockerConfig{
				Image:   "debian:bookworm-slim",
				Runtime: "runsc",
				Network: "none",
				Memory:  "512m",
				CPUs:    1.0,
			},
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-5",
			RecursiveModel: "gpt-5-mini",
			Timeout:        5 * time.Minute,
			MaxIterations:  20,
			Depth:          1,
			SubcallRPS:     5,
			SubcallBurst:   10,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "rlmd",
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
