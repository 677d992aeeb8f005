package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReceiptsEmittedTotal counts receipts appended to room chains.
	ReceiptsEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofcast_receipts_emitted_total",
		Help: "Signed receipts appended to room chains",
	})

	// ReceiptSplitsTotal counts windows that split across sub-receipts.
	ReceiptSplitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofcast_receipt_splits_total",
		Help: "Windows whose entries exceeded maxEntriesPerReceipt",
	})

	// ReceiptWindowCloseDuration tracks snapshot-to-append latency.
	ReceiptWindowCloseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proofcast_receipt_window_close_duration_seconds",
		Help:    "Time from window snapshot to chain append",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	// ReceiptSignDuration tracks signer latency per attempt.
	ReceiptSignDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proofcast_receipt_sign_duration_seconds",
		Help:    "Signer latency per attempt",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	// ReceiptSignRetriesTotal counts failed signing attempts.
	ReceiptSignRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofcast_receipt_sign_retries_total",
		Help: "Signing attempts that failed and were retried",
	})

	// ReceiptWindowsPending is the number of snapshots waiting for a
	// signature across all rooms.
	ReceiptWindowsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proofcast_receipt_windows_pending",
		Help: "Closed windows queued behind an unsigned receipt",
	})

	// RoomsStalled is the number of rooms whose chain cannot advance.
	RoomsStalled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proofcast_rooms_stalled",
		Help: "Rooms in RECEIPTS_STALLED awaiting operator intervention",
	})

	// ForwardedPacketsTotal counts packets fanned out to subscribers.
	ForwardedPacketsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofcast_forwarded_packets_total",
		Help: "Packets forwarded to subscriber transports",
	})

	// ForwardedBytesTotal counts bytes fanned out to subscribers.
	ForwardedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofcast_forwarded_bytes_total",
		Help: "Bytes forwarded to subscriber transports",
	})

	// ForwardSkipsTotal counts fan-out decisions that withheld a packet.
	ForwardSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofcast_forward_skips_total",
		Help: "Packets withheld per subscriber by reason",
	}, []string{"reason"})

	// SubscriberDegradationsTotal counts congestion responses.
	SubscriberDegradationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofcast_subscriber_degradations_total",
		Help: "Congestion responses by stage (downgrade, pause)",
	}, []string{"stage"})

	// BusDroppedTotal counts bus publishes abandoned via context.
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofcast_bus_dropped_total",
		Help: "Event bus publishes dropped by topic and reason",
	}, []string{"topic", "reason"})

	// SinkEmitTotal counts receipt sink deliveries.
	SinkEmitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofcast_sink_emit_total",
		Help: "Receipt sink deliveries by sink and result",
	}, []string{"sink", "result"})

	// CheckpointsTotal counts queue checkpoint writes.
	CheckpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofcast_checkpoints_total",
		Help: "Queue checkpoint writes by result",
	}, []string{"result"})

	// StoreOpsTotal counts receipt store operations.
	StoreOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofcast_store_ops_total",
		Help: "Receipt store operations by backend, op and result",
	}, []string{"backend", "op", "result"})

	// RewardsDiagnosticsTotal counts rewards-calculation diagnostics.
	RewardsDiagnosticsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofcast_rewards_diagnostics_total",
		Help: "Diagnostics raised during reward calculations",
	}, []string{"kind"})
)

// ObserveWindowClose records snapshot-to-append latency.
func ObserveWindowClose(d time.Duration) {
	ReceiptWindowCloseDuration.Observe(d.Seconds())
}

// ObserveSignAttempt records one signer attempt; failed attempts also
// bump the retry counter.
func ObserveSignAttempt(d time.Duration, err error) {
	ReceiptSignDuration.Observe(d.Seconds())
	if err != nil {
		ReceiptSignRetriesTotal.Inc()
	}
}

// IncForwardSkip records a withheld packet, reason one of "rights",
// "codec", "paused", "capacity".
func IncForwardSkip(reason string) {
	ForwardSkipsTotal.WithLabelValues(reason).Inc()
}

// IncBusDropReason records an abandoned bus publish.
func IncBusDropReason(topic, reason string) {
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}

// IncSinkEmit records a receipt sink delivery outcome.
func IncSinkEmit(sink string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	SinkEmitTotal.WithLabelValues(sink, result).Inc()
}

// IncStoreOp records a store operation outcome.
func IncStoreOp(backend, op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	StoreOpsTotal.WithLabelValues(backend, op, result).Inc()
}
