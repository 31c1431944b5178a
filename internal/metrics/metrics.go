package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignalConnections tracks open signaling websockets.
	SignalConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ring_signal_connections",
			Help: "Number of open signaling connections",
		},
	)

	// OnlineUsers tracks distinct users with at least one connection.
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ring_online_users",
			Help: "Number of distinct online users",
		},
	)

	// PresenceBroadcasts counts online-set snapshots by outcome (sent|stale).
	PresenceBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ring_presence_broadcasts_total",
			Help: "Total number of presence snapshots",
		},
		[]string{"result"},
	)

	// PresenceStoreErrors counts failed status store writes by operation.
	PresenceStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ring_presence_store_errors_total",
			Help: "Total number of failed presence store writes",
		},
		[]string{"op"},
	)

	// SignalFrames counts inbound signaling frames by type and outcome.
	SignalFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ring_signal_frames_total",
			Help: "Total number of inbound signaling frames",
		},
		[]string{"type", "result"},
	)

	// DroppedFrames counts outbound frames dropped on a full send queue.
	DroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ring_signal_dropped_frames_total",
			Help: "Total number of outbound frames dropped by backpressure",
		},
	)

	// TokensIssued counts minted media relay credentials by kind (voice|video).
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ring_tokens_issued_total",
			Help: "Total number of media relay tokens issued",
		},
		[]string{"kind"},
	)

	// AuthAttempts records login attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ring_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ring_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// ReconciledOffline counts users flipped offline by the reconciliation sweep.
	ReconciledOffline = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ring_presence_reconciled_total",
			Help: "Users marked offline by the reconciliation sweep",
		},
	)
)
