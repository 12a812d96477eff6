package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sandboxLaunchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlm_sandbox_launch_total",
		Help: "Total number of sandbox launches, by launcher and outcome.",
	}, []string{"launcher", "outcome"})

	sandboxLaunchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rlm_sandbox_launch_duration_seconds",
		Help:    "Time to launch a sandbox and complete its handshake.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"launcher"})

	// SandboxPoolIdle is the number of pre-launched sandboxes waiting in the pool.
	SandboxPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rlm_sandbox_pool_idle",
		Help: "Current number of idle pre-launched sandboxes.",
	})

	sandboxAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlm_sandbox_acquire_total",
		Help: "Total number of sandbox acquisitions, by source (pool or cold).",
	}, []string{"source"})

	procTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlm_proc_terminate_total",
		Help: "Signals sent to sandbox process groups, by signal and result.",
	}, []string{"signal", "result"})

	procWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlm_proc_wait_total",
		Help: "Sandbox process exits observed during termination, by outcome.",
	}, []string{"outcome"})
)

// RecordSandboxLaunch records one launch attempt.
func RecordSandboxLaunch(launcher string, err error, seconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	sandboxLaunchTotal.WithLabelValues(launcher, outcome).Inc()
	if err == nil {
		sandboxLaunchDuration.WithLabelValues(launcher).Observe(seconds)
	}
}

// RecordSandboxAcquire counts a sandbox handed to a session.
func RecordSandboxAcquire(fromPool bool) {
	if fromPool {
		sandboxAcquireTotal.WithLabelValues("pool").Inc()
		return
	}
	sandboxAcquireTotal.WithLabelValues("cold").Inc()
}

// IncProcTerminate counts a termination signal.
func IncProcTerminate(signal, result string) {
	procTerminateTotal.WithLabelValues(signal, result).Inc()
}

// IncProcWait counts an observed process exit.
func IncProcWait(outcome string) {
	procWaitTotal.WithLabelValues(outcome).Inc()
}
