// Package metrics declares the Prometheus families for the coordinator,
// receipt engine, forwarder, and sinks. Labels stay low-cardinality:
// operation names, result classes, and failure codes only — never
// per-room or per-session identifiers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ControlOpsTotal tracks control-plane operations by outcome.
	ControlOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofcast_control_ops_total",
		Help: "Control operations by op, result and failure code",
	}, []string{"op", "result", "code"})

	// ControlOpDuration tracks control-plane latency through the room actor.
	ControlOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proofcast_control_op_duration_seconds",
		Help:    "Latency of control operations including actor queueing",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"op"})

	// ActiveRooms is the number of rooms currently open or stalled.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proofcast_active_rooms",
		Help: "Rooms currently alive",
	})

	// ActiveSessions is the number of connected sessions by role.
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proofcast_active_sessions",
		Help: "Connected sessions by role",
	}, []string{"role"})

	// ActiveTracks is the number of tracks currently forwarded.
	ActiveTracks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proofcast_active_tracks",
		Help: "Tracks currently eligible for forwarding",
	})

	// QueueDecisionsTotal tracks moderation outcomes.
	QueueDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofcast_queue_decisions_total",
		Help: "Queue candidate decisions by transition",
	}, []string{"transition"})

	// SessionsReapedTotal counts sessions removed by the idle reaper.
	SessionsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofcast_sessions_reaped_total",
		Help: "Sessions reaped after exceeding the idle timeout",
	})

	// MeterOverflowTotal counts 64-bit counter wraps within one window.
	MeterOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofcast_meter_overflow_total",
		Help: "Meter counters that wrapped inside a single window",
	})

	// TransportDropsTotal counts packets the loopback transport could
	// not deliver.
	TransportDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofcast_transport_drops_total",
		Help: "Packets dropped by the transport by reason",
	}, []string{"reason"})
)

// IncControlOp records one control operation outcome. Pass code "F_NONE"
// on success.
func IncControlOp(op string, success bool, code string) {
	result := "failure"
	if success {
		result = "success"
	}
	ControlOpsTotal.WithLabelValues(op, result, code).Inc()
}

// ObserveControlOp records control operation latency in seconds.
func ObserveControlOp(op string, seconds float64) {
	ControlOpDuration.WithLabelValues(op).Observe(seconds)
}

// IncQueueDecision records a queue transition, e.g. "approved",
// "rejected", "expired", "activated".
func IncQueueDecision(transition string) {
	QueueDecisionsTotal.WithLabelValues(transition).Inc()
}
