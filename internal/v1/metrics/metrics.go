package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the sync node.
//
// Naming convention: namespace_subsystem_name
// - namespace: gridsync (application-level grouping)
// - subsystem: websocket, room, relay (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, players)
// - Counter: Cumulative events (messages processed, publishes)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveConnections tracks the current number of active WebSocket connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridsync",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// PendingConnections tracks connections waiting for their first auth message
	PendingConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridsync",
		Subsystem: "websocket",
		Name:      "connections_pending",
		Help:      "Connections accepted but not yet routed to a room",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridsync",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomPlayers tracks the number of authenticated players per map
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gridsync",
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of authenticated players in each room",
	}, []string{"map_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing client messages
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gridsync",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing client messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// RelayPublishes tracks publishes to discovery relays by outcome
	RelayPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "relay",
		Name:      "publishes_total",
		Help:      "Total events published to discovery relays",
	}, []string{"relay", "status"})

	// HeartbeatsPublished counts heartbeat broadcast rounds
	HeartbeatsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "relay",
		Name:      "heartbeats_total",
		Help:      "Total heartbeat broadcast rounds",
	})

	// RateLimitRequests counts requests passing through a rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked by a rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by a rate limiter
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected because a rate limit was reached",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState reflects breaker state per backend (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gridsync",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "breaker",
		Name:      "rejections_total",
		Help:      "Operations rejected because a circuit breaker was open",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
