package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaboration backend.
//
// Naming convention: namespace_subsystem_name
// - namespace: meshdocs (application-level grouping)
// - subsystem: websocket, stream, compaction (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, subscribed rooms, breaker state)
// - Counter: Cumulative events (publishes, deliveries, drops)
// - Histogram: Latency distributions (compaction duration)

var (
	// ActiveConnections tracks the current number of open WebSocket sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshdocs",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// SubscribedRooms tracks the number of rooms with at least one local client.
	SubscribedRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshdocs",
		Subsystem: "stream",
		Name:      "rooms_subscribed",
		Help:      "Number of rooms currently subscribed on this gateway",
	})

	// StreamPublishes counts updates appended to room streams.
	StreamPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshdocs",
		Subsystem: "stream",
		Name:      "publishes_total",
		Help:      "Total updates published to room streams",
	}, []string{"status"})

	// FanoutDeliveries counts stream entries forwarded to local clients.
	FanoutDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshdocs",
		Subsystem: "websocket",
		Name:      "fanout_deliveries_total",
		Help:      "Total stream entries delivered to local clients",
	})

	// SlowClientDrops counts sessions closed because their send buffer filled.
	SlowClientDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshdocs",
		Subsystem: "websocket",
		Name:      "slow_client_drops_total",
		Help:      "Sessions closed with policy violation due to full send buffers",
	})

	// CompactionRuns counts worker compaction attempts by outcome.
	CompactionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshdocs",
		Subsystem: "compaction",
		Name:      "runs_total",
		Help:      "Total compaction attempts",
	}, []string{"status"})

	// CompactionDuration tracks end-to-end compaction latency.
	CompactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meshdocs",
		Subsystem: "compaction",
		Name:      "duration_seconds",
		Help:      "Time spent compacting a room stream into a snapshot",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// QuarantinedRooms counts rooms quarantined due to undecodable snapshots.
	QuarantinedRooms = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshdocs",
		Subsystem: "compaction",
		Name:      "quarantined_rooms_total",
		Help:      "Rooms quarantined after a data invariant violation",
	})

	// RateLimitExceeded counts connection attempts rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshdocs",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Connection attempts rejected by the rate limiter",
	}, []string{"scope"})

	// CircuitBreakerState exposes breaker state per backend (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meshdocs",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per backend",
	}, []string{"backend"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshdocs",
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "Requests rejected by an open circuit breaker",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
