// Package metrics exposes the fabric's Prometheus instrumentation.
// Everything is registered on the default registry and scraped via Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erebus_connections_active",
		Help: "Current number of attached sockets across all brokers",
	})

	ConnectionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_connections_failed_total",
		Help: "Total number of rejected or failed upgrade attempts",
	})

	BrokersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erebus_brokers_active",
		Help: "Current number of live channel brokers in this process",
	})

	// Packet metrics
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erebus_packets_received_total",
		Help: "Client packets received by packet type",
	}, []string{"type"})

	PacketsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erebus_packets_rejected_total",
		Help: "Client packets rejected by wire error code",
	}, []string{"code"})

	RateLimitedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_rate_limited_packets_total",
		Help: "Client packets dropped by the per-socket rate limiter",
	})

	// Broadcast metrics, one observation set per publish fan-out.
	BroadcastSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_broadcast_sent_total",
		Help: "Messages enqueued to subscriber sockets",
	})

	BroadcastSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_broadcast_skipped_total",
		Help: "Deliveries skipped by access control or missing grants",
	})

	BroadcastDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_broadcast_duplicates_total",
		Help: "Deliveries suppressed because the client already received the message",
	})

	BroadcastErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_broadcast_errors_total",
		Help: "Deliveries that failed at enqueue time",
	})

	BroadcastYields = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_broadcast_yields_total",
		Help: "Scheduler yields taken between broadcast batches",
	})

	BroadcastHighBackpressure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_broadcast_backpressure_skips_total",
		Help: "Deliveries skipped because the socket buffer exceeded the high watermark",
	})

	BroadcastDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "erebus_broadcast_duration_seconds",
		Help:    "Wall-clock duration of a local broadcast fan-out",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs .. ~26s
	})

	// Cross-region metrics
	PeerPublishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_peer_publishes_total",
		Help: "Messages forwarded to peer brokers",
	})

	PeerPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_peer_publish_errors_total",
		Help: "Peer forwards that failed (logged and dropped)",
	})

	PeerDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_peer_deliveries_total",
		Help: "Messages received from peer brokers and fanned out locally",
	})

	// Usage pipeline metrics
	UsageQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_usage_events_queued_total",
		Help: "Usage events accepted onto the dispatch queue",
	})

	UsageDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_usage_events_dropped_total",
		Help: "Usage events dropped because the dispatch queue was full",
	})

	UsageDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_usage_events_delivered_total",
		Help: "Usage events delivered to webhook sinks",
	})

	UsageDeliveryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erebus_usage_delivery_errors_total",
		Help: "Webhook batches that failed to deliver",
	})
)

// ObserveBroadcast records one publish fan-out's outcome counters.
func ObserveBroadcast(sent, skipped, duplicates, errors, yields, highSkips int, elapsed time.Duration) {
	BroadcastSent.Add(float64(sent))
	BroadcastSkipped.Add(float64(skipped))
	BroadcastDuplicates.Add(float64(duplicates))
	BroadcastErrors.Add(float64(errors))
	BroadcastYields.Add(float64(yields))
	BroadcastHighBackpressure.Add(float64(highSkips))
	BroadcastDuration.Observe(elapsed.Seconds())
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
