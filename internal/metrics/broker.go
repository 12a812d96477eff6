// Package metrics provides Prometheus metrics for the rlmd session broker,
// sandboxes and gateway.
//
// Labels are bounded enums only: no session id or request id ever becomes a
// label value.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionAdmitTotal counts admitted commands.
	AdmissionAdmitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlm_admission_admit_total",
		Help: "Total number of admitted commands, by whether they created a session.",
	}, []string{"created"})

	// AdmissionRejectTotal counts rejected commands by reason.
	AdmissionRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlm_admission_reject_total",
		Help: "Total number of rejected commands, by reason.",
	}, []string{"reason"})

	// LiveSessions tracks sessions by lifecycle state.
	LiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rlm_live_sessions",
		Help: "Current number of live sessions, by state.",
	}, []string{"state"})

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlm_commands_total",
		Help: "Total number of completed commands, by kind and outcome.",
	}, []string{"kind", "outcome"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rlm_command_duration_seconds",
		Help:    "Time from worker pickup to reply, by kind.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"kind"})

	sessionEndTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlm_session_end_total",
		Help: "Total number of terminated sessions, by cause.",
	}, []string{"cause"})
)

// RecordAdmit counts an admitted command.
func RecordAdmit(created bool) {
	if created {
		AdmissionAdmitTotal.WithLabelValues("true").Inc()
		return
	}
	AdmissionAdmitTotal.WithLabelValues("false").Inc()
}

// RecordReject counts a rejected command.
func RecordReject(reason string) {
	AdmissionRejectTotal.WithLabelValues(normalizeRejectReason(reason)).Inc()
}

// SetLiveSessions publishes the per-state session counts.
func SetLiveSessions(starting, active, draining int) {
	LiveSessions.WithLabelValues("starting").Set(float64(starting))
	LiveSessions.WithLabelValues("active").Set(float64(active))
	LiveSessions.WithLabelValues("draining").Set(float64(draining))
}

// RecordCommand records a finished command.
func RecordCommand(kind, outcome string, seconds float64) {
	commandsTotal.WithLabelValues(kind, normalizeOutcome(outcome)).Inc()
	commandDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordSessionEnd counts a terminated session.
func RecordSessionEnd(cause string) {
	switch cause {
	case "closed", "idle", "fault", "shutdown", "setup_failed":
	default:
		cause = "unknown"
	}
	sessionEndTotal.WithLabelValues(cause).Inc()
}

func normalizeRejectReason(reason string) string {
	switch r := strings.ToLower(strings.TrimSpace(reason)); r {
	case "sessions_full", "session_busy", "session_draining", "broker_closed":
		return r
	default:
		return "unknown"
	}
}

func normalizeOutcome(outcome string) string {
	switch outcome {
	case "ok", "code_error", "not_found", "fault", "rejected":
		return outcome
	default:
		return "unknown"
	}
}
