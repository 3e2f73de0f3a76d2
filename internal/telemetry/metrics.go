package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics with bounded cardinality (no per-participant or per-session labels)
var (
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_tick_duration_seconds",
		Help:    "Time spent in one scheduler cycle over every session",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.033, 0.05, 0.1},
	})

	sessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_sessions_live",
		Help: "Sessions currently registered",
	})

	sessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_sessions_created_total",
		Help: "Sessions created",
	}, []string{"kind"}) // Bounded: 1v1, 2v2, tournament

	sessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_sessions_finished_total",
		Help: "Sessions removed from the registry",
	}, []string{"outcome"}) // Bounded: "over", "timed_out", "shutdown"

	persistTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_persist_total",
		Help: "Finished match records handed to storage",
	}, []string{"result"}) // Bounded: "saved", "failed", "dropped"

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_publish_failures_total",
		Help: "Match summaries that could not be published",
	})

	queueWaiting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_queue_waiting",
		Help: "Participants waiting per matchmaking mode",
	}, []string{"mode"})

	queueMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_queue_matched_total",
		Help: "Sessions created by matchmaking",
	}, []string{"mode"})

	queueExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_queue_expired_total",
		Help: "Queue entries dropped for waiting too long",
	})

	protocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_protocol_errors_total",
		Help: "Session connections closed for protocol violations",
	})

	eventLogTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_event_log_total",
		Help: "Journal events accepted",
	})

	eventLogDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_event_log_dropped_total",
		Help: "Journal events dropped due to rate limiting or buffer full",
	})

	// DoS detection metrics - use ONLY bounded label values
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_connection_rejected_total",
		Help: "Connections rejected by rate limiter, origin check or ticket",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "ticket", "ws_limit"

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"}) // endpoint is the route pattern, not the URL

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_connections_active",
		Help: "Currently open websocket connections",
	})

	wsMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_websocket_messages_dropped_total",
		Help: "Outbound messages dropped because a socket's send buffer was full",
	})
)

// RecordTick records one scheduler cycle.
func RecordTick(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// SetLiveSessions updates the live session gauge.
func SetLiveSessions(n int) {
	sessionsLive.Set(float64(n))
}

// SessionCreated counts a new session.
func SessionCreated(kind string) {
	sessionsCreated.WithLabelValues(kind).Inc()
}

// SessionFinished counts a removed session.
// outcome must be one of: "over", "timed_out", "shutdown"
func SessionFinished(outcome string) {
	sessionsFinished.WithLabelValues(outcome).Inc()
}

// RecordPersist counts a persistence outcome.
// result must be one of: "saved", "failed", "dropped"
func RecordPersist(result string) {
	persistTotal.WithLabelValues(result).Inc()
}

// RecordPublishFailure counts a failed result publication.
func RecordPublishFailure() {
	publishFailures.Inc()
}

// SetQueueWaiting updates the waiting gauge for one mode.
func SetQueueWaiting(mode string, n int) {
	queueWaiting.WithLabelValues(mode).Set(float64(n))
}

// QueueMatched counts a matchmaking pairing.
func QueueMatched(mode string) {
	queueMatched.WithLabelValues(mode).Inc()
}

// QueueExpired counts pruned queue entries.
func QueueExpired(n int) {
	queueExpired.Add(float64(n))
}

// RecordProtocolError counts a connection closed for a protocol violation.
func RecordProtocolError() {
	protocolErrors.Inc()
}

// RecordEvent counts a journal event as accepted or dropped.
func RecordEvent(accepted bool) {
	if accepted {
		eventLogTotal.Inc()
		return
	}
	eventLogDropped.Inc()
}

// RecordConnectionRejected increments the rejection counter.
// reason must be one of: "rate_limit", "origin", "ticket", "ws_limit"
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, endpoint string, status int, d time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(d.Seconds())
	requestTotal.WithLabelValues(method, endpoint, http.StatusText(status)).Inc()
}

// AddWSConnections moves the open websocket gauge by delta.
func AddWSConnections(delta int) {
	wsConnectionsActive.Add(float64(delta))
}

// RecordWSDropped counts an outbound message dropped on a full buffer.
func RecordWSDropped() {
	wsMessagesDropped.Inc()
}
