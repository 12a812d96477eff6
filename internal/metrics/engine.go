package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bridgeCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlm_bridge_calls_total",
		Help: "Total number of bridge calls from interpreter code, by kind and outcome.",
	}, []string{"kind", "outcome"})

	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlm_completions_total",
		Help: "Total number of RLM completions, by depth and how they finished.",
	}, []string{"depth", "finish"})

	completionIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rlm_completion_iterations",
		Help:    "Root model iterations used per top-level completion.",
		Buckets: prometheus.LinearBuckets(1, 2, 11),
	})

	modelCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rlm_model_call_duration_seconds",
		Help:    "Model API latency, by role (root or sub).",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"role"})
)

// RecordBridgeCall counts a bridge call.
func RecordBridgeCall(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	bridgeCallsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordCompletion records a finished completion. finish is one of
// final, final_var, forced or error.
func RecordCompletion(depth int, finish string, iterations int) {
	d := "root"
	if depth > 0 {
		d = "sub"
	}
	completionsTotal.WithLabelValues(d, finish).Inc()
	if depth == 0 {
		completionIterations.Observe(float64(iterations))
	}
}

// ObserveModelCall records model latency.
func ObserveModelCall(role string, seconds float64) {
	modelCallDuration.WithLabelValues(role).Observe(seconds)
}

var circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "rlm_circuit_breaker_state",
	Help: "Model client circuit breaker state (1 for the current state).",
}, []string{"client", "state"})

// SetCircuitBreakerState marks state as current for client.
func SetCircuitBreakerState(client, state string) {
	for _, s := range []string{"closed", "open", "half-open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		circuitBreakerState.WithLabelValues(client, s).Set(v)
	}
}
