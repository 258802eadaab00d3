package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server. Construction
// registers with the default registry, so tests leave it nil.
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	reconnects           prometheus.Counter
	expiredTokens        prometheus.Counter

	// Broadcast metrics
	messagesBroadcast prometheus.Counter
	messagesDelivered prometheus.Counter
	broadcastFanout   prometheus.Histogram

	// AI gate metrics
	aiRequests     prometheus.Counter
	aiRejectedBusy prometheus.Counter
	aiFailures     prometheus.Counter
	aiInFlight     prometheus.Gauge
}

// NewMetrics creates and registers the metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parley_active_sessions",
			Help: "Current number of active sessions",
		}),
		sessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		sessionsDisconnected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_sessions_disconnected_total",
			Help: "Total number of sessions disconnected",
		}),
		reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_reconnects_total",
			Help: "Total number of successful token reconnects",
		}),
		expiredTokens: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_expired_tokens_total",
			Help: "Total number of SESSION_EXPIRED pushes",
		}),
		messagesBroadcast: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_messages_broadcast_total",
			Help: "Total number of messages broadcast (unique messages, not deliveries)",
		}),
		messagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_messages_delivered_total",
			Help: "Total number of messages delivered to clients",
		}),
		broadcastFanout: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_broadcast_fanout",
			Help:    "Number of clients that received each broadcast message",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		aiRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_ai_requests_total",
			Help: "Total number of completion requests dispatched",
		}),
		aiRejectedBusy: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_ai_rejected_busy_total",
			Help: "Total number of completion requests dropped because the room gate was busy",
		}),
		aiFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_ai_failures_total",
			Help: "Total number of failed completion requests",
		}),
		aiInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parley_ai_in_flight",
			Help: "Completion requests currently outstanding",
		}),
	}
}

func (m *Metrics) RecordSessionCreated(active int) {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.activeSessions.Set(float64(active))
}

func (m *Metrics) RecordSessionClosed(active int) {
	if m == nil {
		return
	}
	m.sessionsDisconnected.Inc()
	m.activeSessions.Set(float64(active))
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) RecordExpiredToken() {
	if m == nil {
		return
	}
	m.expiredTokens.Inc()
}

func (m *Metrics) RecordBroadcast(fanout int) {
	if m == nil {
		return
	}
	m.messagesBroadcast.Inc()
	m.messagesDelivered.Add(float64(fanout))
	m.broadcastFanout.Observe(float64(fanout))
}

func (m *Metrics) RecordAIDispatched() {
	if m == nil {
		return
	}
	m.aiRequests.Inc()
	m.aiInFlight.Inc()
}

func (m *Metrics) RecordAIDone(failed bool) {
	if m == nil {
		return
	}
	m.aiInFlight.Dec()
	if failed {
		m.aiFailures.Inc()
	}
}

func (m *Metrics) RecordAIRejectedBusy() {
	if m == nil {
		return
	}
	m.aiRejectedBusy.Inc()
}
