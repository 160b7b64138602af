// Package metrics defines the prometheus metric types for the engine
// (SPEC_FULL.md §2's ambient-stack table). Grounded directly on
// m-lab/tcp-info's metrics/metrics.go: package-level promauto vars, a
// histogram per latency/size distribution worth tracking, a counter
// vector for errors, and an init() log line announcing registration.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HandshakeRTTHistogram tracks observed round-trip time between the
	// first Initial sent and the handshake reaching its _ready state.
	HandshakeRTTHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "qcore_handshake_rtt_seconds",
			Help: "distribution of client-observed handshake completion latency",
			Buckets: []float64{
				0.005, 0.01, 0.02, 0.03, 0.05, 0.08, 0.1, 0.15, 0.2, 0.3, 0.5, 0.8, 1, 2, 5,
			},
		},
	)

	// SmoothedRTTHistogram tracks the connection's srtt at each reliability
	// snapshot, across all connections.
	SmoothedRTTHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qcore_srtt_seconds",
			Help:    "smoothed RTT distribution sampled at snapshot time",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)

	// CongestionWindowHistogram tracks cwnd in bytes at each snapshot.
	CongestionWindowHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qcore_cwnd_bytes",
			Help:    "congestion window distribution sampled at snapshot time",
			Buckets: prometheus.ExponentialBuckets(1200, 2, 16),
		},
	)

	// RetransmitCount counts packets moved to the retransmit-ready set.
	RetransmitCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qcore_retransmit_total",
			Help: "number of packets declared lost and queued for resend.",
		},
	)

	// SpuriousLossCount counts packets declared lost that were later acked.
	SpuriousLossCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qcore_spurious_loss_total",
			Help: "number of packets declared lost whose ack later arrived.",
		},
	)

	// AuthFailureCount counts AEAD decrypt failures, by epoch.
	AuthFailureCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qcore_aead_auth_failure_total",
			Help: "number of packets dropped for failing AEAD authentication.",
		}, []string{"epoch"})

	// ConnectionsActive tracks the live connection count held by a
	// quicctx.Context, set on each EndCycle call.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qcore_connections_active",
			Help: "number of connections currently tracked by the context.",
		},
	)

	// ConnectionsClosedTotal counts connections reaching disconnected, by
	// the reason the closure carried.
	ConnectionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qcore_connections_closed_total",
			Help: "number of connections that reached disconnected.",
		}, []string{"reason"})

	// StatelessPacketsSentTotal counts version-negotiation/retry/reset
	// packets emitted by the context, by kind.
	StatelessPacketsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qcore_stateless_packets_total",
			Help: "number of stateless packets emitted, by kind.",
		}, []string{"kind"})
)

func init() {
	log.Println("Prometheus metrics in qcore.metrics are registered.")
}
