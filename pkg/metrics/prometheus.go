package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge
	httpTimeoutsTotal    *prometheus.CounterVec
	rateLimitedTotal     *prometheus.CounterVec

	// Store Metrics
	storeOpDuration    *prometheus.HistogramVec
	storeOpErrorsTotal *prometheus.CounterVec
	storeRetriesTotal  *prometheus.CounterVec

	// Redis Metrics
	redisCommandsTotal *prometheus.CounterVec
	redisErrorsTotal   *prometheus.CounterVec
	redisDegraded      prometheus.Gauge

	// Audit Metrics
	auditEventsTotal *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Session Metrics
	sessionsCreatedTotal *prometheus.CounterVec
	sessionsActive       prometheus.Gauge
	sessionsEndedTotal   *prometheus.CounterVec
	sessionDuration      *prometheus.HistogramVec
	joinsTotal           *prometheus.CounterVec
	joinRejectionsTotal  *prometheus.CounterVec
	leavesTotal          *prometheus.CounterVec
	mediaUpdatesTotal    prometheus.Counter

	// Signaling Metrics
	signalsRelayedTotal *prometheus.CounterVec

	// Auth Metrics
	authFailuresTotal *prometheus.CounterVec
}

// NewMetrics creates all metrics on a dedicated registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		// HTTP Request Metrics
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),
		httpTimeoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_request_timeouts_total",
				Help:        "Total number of HTTP requests that hit their deadline",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint"},
		),
		auditEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_audit_events_total",
				Help:        "Total number of call audit events by outcome",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		rateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_rate_limited_total",
				Help:        "Total number of HTTP requests rejected by the rate limiter",
				ConstLabels: labels,
			},
			[]string{"endpoint"},
		),

		// Store Metrics
		storeOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "session_store_operation_duration_seconds",
				Help:        "Session store operation latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		storeOpErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "session_store_errors_total",
				Help:        "Total number of failed session store operations",
				ConstLabels: labels,
			},
			[]string{"operation", "code"},
		),
		storeRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "session_store_retries_total",
				Help:        "Total number of retried transient failures",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),

		// Redis Metrics
		redisCommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_commands_total",
				Help:        "Total number of Redis commands",
				ConstLabels: labels,
			},
			[]string{"command"},
		),
		redisErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_errors_total",
				Help:        "Total number of Redis errors",
				ConstLabels: labels,
			},
			[]string{"command"},
		),
		redisDegraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_degraded_mode",
				Help:        "1 when Redis is unreachable and the service runs without it",
				ConstLabels: labels,
			},
		),

		// WebSocket Metrics
		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active signaling connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of signaling messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of signaling connection errors",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),

		// Session Metrics
		sessionsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_sessions_created_total",
				Help:        "Total number of call sessions created",
				ConstLabels: labels,
			},
			[]string{"session_type"},
		),
		sessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "call_sessions_active",
				Help:        "Number of call sessions with at least one active participant",
				ConstLabels: labels,
			},
		),
		sessionsEndedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_sessions_ended_total",
				Help:        "Total number of call sessions ended",
				ConstLabels: labels,
			},
			[]string{"session_type", "reason"},
		),
		sessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_session_duration_seconds",
				Help:        "Call session duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
			},
			[]string{"session_type"},
		),
		joinsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_joins_total",
				Help:        "Total number of successful joins",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		joinRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_join_rejections_total",
				Help:        "Total number of rejected joins",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		leavesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_leaves_total",
				Help:        "Total number of participant departures",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		mediaUpdatesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_media_updates_total",
				Help:        "Total number of committed media-state updates",
				ConstLabels: labels,
			},
		),

		// Signaling Metrics
		signalsRelayedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_messages_relayed_total",
				Help:        "Total number of offer/answer/ice messages routed",
				ConstLabels: labels,
			},
			[]string{"kind", "result"},
		),

		// Auth Metrics
		authFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "auth_failures_total",
				Help:        "Total number of rejected credentials",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
	}

	return m
}

// GetRegistry returns the registry all metrics are registered on
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// RecordRequestTimeout records a request that ran past its deadline
func (m *Metrics) RecordRequestTimeout(method, endpoint string) {
	if m == nil {
		return
	}
	m.httpTimeoutsTotal.WithLabelValues(method, endpoint).Inc()
}

// RecordRateLimited records a request rejected with 429
func (m *Metrics) RecordRateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(endpoint).Inc()
}

// RecordAuditEvent counts an audit event as written, failed or dropped
func (m *Metrics) RecordAuditEvent(result string) {
	if m == nil {
		return
	}
	m.auditEventsTotal.WithLabelValues(result).Inc()
}

// Store Metrics Methods

// RecordStoreOperation records a session store call; code is empty on success
func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, code string) {
	if m == nil {
		return
	}
	m.storeOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if code != "" {
		m.storeOpErrorsTotal.WithLabelValues(operation, code).Inc()
	}
}

// RecordRetry records one retry of a transient failure
func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.storeRetriesTotal.WithLabelValues(operation).Inc()
}

// Redis Metrics Methods

// RecordRedisCommand records a Redis command
func (m *Metrics) RecordRedisCommand(command string, err error) {
	if m == nil {
		return
	}
	m.redisCommandsTotal.WithLabelValues(command).Inc()
	if err != nil {
		m.redisErrorsTotal.WithLabelValues(command).Inc()
	}
}

// SetRedisDegraded flags whether Redis is currently unavailable
func (m *Metrics) SetRedisDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.redisDegraded.Set(1)
		return
	}
	m.redisDegraded.Set(0)
}

// WebSocket Metrics Methods

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	if m == nil {
		return
	}
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(reason string) {
	if m == nil {
		return
	}
	m.websocketErrorsTotal.WithLabelValues(reason).Inc()
}

// Session Metrics Methods

// RecordSessionCreated records a new call session
func (m *Metrics) RecordSessionCreated(sessionType string) {
	if m == nil {
		return
	}
	m.sessionsCreatedTotal.WithLabelValues(sessionType).Inc()
}

// SessionActivated marks a session leaving the waiting state
func (m *Metrics) SessionActivated() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// RecordSessionEnded records a session reaching the ended state
func (m *Metrics) RecordSessionEnded(sessionType, reason string, wasActive bool, duration time.Duration) {
	if m == nil {
		return
	}
	if wasActive {
		m.sessionsActive.Dec()
	}
	m.sessionsEndedTotal.WithLabelValues(sessionType, reason).Inc()
	m.sessionDuration.WithLabelValues(sessionType).Observe(duration.Seconds())
}

// RecordJoin records a successful join
func (m *Metrics) RecordJoin(reattached bool) {
	if m == nil {
		return
	}
	kind := "new"
	if reattached {
		kind = "reattach"
	}
	m.joinsTotal.WithLabelValues(kind).Inc()
}

// RecordJoinRejected records a refused join
func (m *Metrics) RecordJoinRejected(reason string) {
	if m == nil {
		return
	}
	m.joinRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordLeave records a participant departure
func (m *Metrics) RecordLeave(reason string) {
	if m == nil {
		return
	}
	m.leavesTotal.WithLabelValues(reason).Inc()
}

// RecordMediaUpdate records a committed media update
func (m *Metrics) RecordMediaUpdate() {
	if m == nil {
		return
	}
	m.mediaUpdatesTotal.Inc()
}

// Signaling Metrics Methods

// RecordSignal records a routed signaling message
func (m *Metrics) RecordSignal(kind, result string) {
	if m == nil {
		return
	}
	m.signalsRelayedTotal.WithLabelValues(kind, result).Inc()
}

// Auth Metrics Methods

// RecordAuthFailure records a rejected credential
func (m *Metrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailuresTotal.WithLabelValues(reason).Inc()
}
