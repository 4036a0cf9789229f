// Package metrics holds the Prometheus collectors for the chat service.
//
// Collectors are registered against an injected registry so tests can build
// isolated instances. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "studymate"

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	WSConnections     prometheus.Gauge
	WSEventsTotal     *prometheus.CounterVec
	SlowConsumerDrops prometheus.Counter

	MessagesPersisted *prometheus.CounterVec
	MessagesDeleted   prometheus.Counter

	AttachmentsPrepared *prometheus.CounterVec
	AttachmentBytes     prometheus.Histogram
	AttachmentsExpired  *prometheus.CounterVec

	ScheduledOutcomes *prometheus.CounterVec

	PushesTotal  *prometheus.CounterVec
	PushesQueued prometheus.Gauge
}

// New registers every collector on reg. Passing nil uses a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "status_class"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method"}),

		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Live WebSocket connections",
		}),
		WSEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_total",
			Help:      "Inbound WebSocket events by type and outcome",
		}, []string{"type", "result"}),
		SlowConsumerDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_slow_consumer_drops_total",
			Help:      "Connections closed because their outbound queue was full",
		}),

		MessagesPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages appended to the store",
		}, []string{"type"}),
		MessagesDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_deleted_total",
			Help:      "Messages tombstoned by their sender",
		}),

		AttachmentsPrepared: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_prepared_total",
			Help:      "Attachment prepare calls by result",
		}, []string{"result"}),
		AttachmentBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attachment_stored_bytes",
			Help:      "Stored attachment size after compression and encryption",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 9),
		}),
		AttachmentsExpired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_expired_total",
			Help:      "Attachments processed by the expiry sweep",
		}, []string{"result"}),

		ScheduledOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_messages_total",
			Help:      "Scheduled message promotion outcomes",
		}, []string{"result"}),

		PushesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_notifications_total",
			Help:      "Push notifications by result",
		}, []string{"result"}),
		PushesQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_queue_depth",
			Help:      "Messages waiting for push fanout",
		}),
	}
}

func (m *Metrics) ObserveHTTP(method, statusClass string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, statusClass).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.WSConnections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.WSConnections.Dec()
	}
}

func (m *Metrics) WSEvent(typ, result string) {
	if m != nil {
		m.WSEventsTotal.WithLabelValues(typ, result).Inc()
	}
}

func (m *Metrics) SlowConsumer() {
	if m != nil {
		m.SlowConsumerDrops.Inc()
	}
}

func (m *Metrics) MessagePersisted(typ string) {
	if m != nil {
		m.MessagesPersisted.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) MessageDeleted() {
	if m != nil {
		m.MessagesDeleted.Inc()
	}
}

func (m *Metrics) AttachmentPrepared(result string, size int64) {
	if m == nil {
		return
	}
	m.AttachmentsPrepared.WithLabelValues(result).Inc()
	if size > 0 {
		m.AttachmentBytes.Observe(float64(size))
	}
}

func (m *Metrics) AttachmentExpired(result string) {
	if m != nil {
		m.AttachmentsExpired.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Scheduled(result string) {
	if m != nil {
		m.ScheduledOutcomes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Push(result string) {
	if m != nil {
		m.PushesTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) PushQueueDepth(n int) {
	if m != nil {
		m.PushesQueued.Set(float64(n))
	}
}
