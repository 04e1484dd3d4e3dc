package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec

	// Call Metrics
	callsStartedTotal     *prometheus.CounterVec
	callsFinishedTotal    *prometheus.CounterVec
	callsActive           prometheus.Gauge
	callsDuration         *prometheus.HistogramVec
	callsFailedTotal      *prometheus.CounterVec
	iceCandidatesTotal    *prometheus.CounterVec
	staleTransitionsTotal *prometheus.CounterVec

	// Presence Metrics
	presenceWritesTotal *prometheus.CounterVec
	presenceOnline      prometheus.Gauge
	presenceReapedTotal prometheus.Counter

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on the default registry
func NewMetrics(serviceName string) *Metrics {
	return NewMetricsWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates and registers all metrics on reg
func NewMetricsWithRegistry(serviceName string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
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

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of open presence gateway connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of presence gateway messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),

		callsStartedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_started_total",
				Help:        "Total number of call sessions started",
				ConstLabels: labels,
			},
			[]string{"type", "role"},
		),
		callsFinishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_finished_total",
				Help:        "Total number of call sessions finished by final status",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of active call sessions",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Connected call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		callsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of failed call attempts",
				ConstLabels: labels,
			},
			[]string{"type", "reason"},
		),
		iceCandidatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "ice_candidates_total",
				Help:        "ICE candidates exchanged through the signaling store",
				ConstLabels: labels,
			},
			[]string{"direction"},
		),
		staleTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_stale_transitions_total",
				Help:        "Status writes dropped because the record had already moved on",
				ConstLabels: labels,
			},
			[]string{"event"},
		),

		presenceWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "presence_writes_total",
				Help:        "Total number of presence writes",
				ConstLabels: labels,
			},
			[]string{"state", "source"},
		),
		presenceOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "presence_online_users",
				Help:        "Number of users currently online",
				ConstLabels: labels,
			},
		),
		presenceReapedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "presence_reaped_sessions_total",
				Help:        "Sessions whose on-disconnect writes were applied after lease expiry",
				ConstLabels: labels,
			},
		),

		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications sent",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		pushNotificationsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Total number of failed push notifications",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
	}
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

// WebSocket Metrics Methods

// IncWebSocketConnections tracks an opened gateway connection
func (m *Metrics) IncWebSocketConnections() {
	if m == nil {
		return
	}
	m.websocketConnections.Inc()
}

// DecWebSocketConnections tracks a closed gateway connection
func (m *Metrics) DecWebSocketConnections() {
	if m == nil {
		return
	}
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// Call Metrics Methods

// RecordCallStarted records a new call session for the caller or callee role
func (m *Metrics) RecordCallStarted(callType, role string) {
	if m == nil {
		return
	}
	m.callsStartedTotal.WithLabelValues(callType, role).Inc()
	m.callsActive.Inc()
}

// RecordCallFinished records the end of a call session and its connected duration
func (m *Metrics) RecordCallFinished(callType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsFinishedTotal.WithLabelValues(callType, status).Inc()
	m.callsActive.Dec()
	if duration > 0 {
		m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
	}
}

// RecordCallFailure records a failed call
func (m *Metrics) RecordCallFailure(callType, reason string) {
	if m == nil {
		return
	}
	m.callsFailedTotal.WithLabelValues(callType, reason).Inc()
}

// RecordICECandidate records a candidate sent to or received from the peer
func (m *Metrics) RecordICECandidate(direction string) {
	if m == nil {
		return
	}
	m.iceCandidatesTotal.WithLabelValues(direction).Inc()
}

// RecordStaleTransition records a status write lost to a concurrent writer
func (m *Metrics) RecordStaleTransition(event string) {
	if m == nil {
		return
	}
	m.staleTransitionsTotal.WithLabelValues(event).Inc()
}

// Presence Metrics Methods

// RecordPresenceWrite records a presence write; source is session, logout or reaper
func (m *Metrics) RecordPresenceWrite(state, source string) {
	if m == nil {
		return
	}
	m.presenceWritesTotal.WithLabelValues(state, source).Inc()
}

// SetOnlineUsers sets the number of online users
func (m *Metrics) SetOnlineUsers(count int64) {
	if m == nil {
		return
	}
	m.presenceOnline.Set(float64(count))
}

// RecordReapedSession records a lease-expired session
func (m *Metrics) RecordReapedSession() {
	if m == nil {
		return
	}
	m.presenceReapedTotal.Inc()
}

// Push Notification Metrics Methods

// RecordPushNotification records a sent push notification
func (m *Metrics) RecordPushNotification(notifType string) {
	if m == nil {
		return
	}
	m.pushNotificationsTotal.WithLabelValues(notifType).Inc()
}

// RecordPushNotificationFailure records a failed push notification
func (m *Metrics) RecordPushNotificationFailure(notifType string) {
	if m == nil {
		return
	}
	m.pushNotificationsFailed.WithLabelValues(notifType).Inc()
}
