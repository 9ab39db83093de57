package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported to the metrics sink.
const (
	DropLive       = "replay_buffer_full"
	DropSubscriber = "subscriber_full"
	DropDurable    = "persist_queue_full"
	DropTransport  = "transport_queue_full"
)

// BusMetrics receives bus instrumentation callbacks. Implementations
// must be safe for concurrent use and must not block.
type BusMetrics interface {
	EventPublished(eventType string)
	EventDropped(eventType, reason string)
	PersistError()
	PublishLatency(eventType string, seconds float64)
}

type nopMetrics struct{}

func (nopMetrics) EventPublished(string)          {}
func (nopMetrics) EventDropped(string, string)    {}
func (nopMetrics) PersistError()                  {}
func (nopMetrics) PublishLatency(string, float64) {}

// NopMetrics returns a metrics sink that discards everything.
func NopMetrics() BusMetrics {
	return nopMetrics{}
}

// PrometheusMetrics exports bus instrumentation as Prometheus series.
type PrometheusMetrics struct {
	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	persist   prometheus.Counter
	latency   *prometheus.HistogramVec
}

// NewPrometheusMetrics registers the bus collectors on the given
// registerer and returns the sink. Panics on duplicate registration.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "eventbus",
			Name:      "events_published_total",
			Help:      "Events published to the bus, by event type.",
		}, []string{"event_type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "eventbus",
			Name:      "events_dropped_total",
			Help:      "Events dropped by the bus, by event type and reason.",
		}, []string{"event_type", "reason"}),
		persist: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "eventbus",
			Name:      "persist_errors_total",
			Help:      "Failed event log writes.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "audit",
			Subsystem: "eventbus",
			Name:      "publish_duration_seconds",
			Help:      "Time spent in Publish, by event type.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}, []string{"event_type"}),
	}
	reg.MustRegister(m.published, m.dropped, m.persist, m.latency)
	return m
}

func (m *PrometheusMetrics) EventPublished(eventType string) {
	m.published.WithLabelValues(eventType).Inc()
}

func (m *PrometheusMetrics) EventDropped(eventType, reason string) {
	m.dropped.WithLabelValues(eventType, reason).Inc()
}

func (m *PrometheusMetrics) PersistError() {
	m.persist.Inc()
}

func (m *PrometheusMetrics) PublishLatency(eventType string, seconds float64) {
	m.latency.WithLabelValues(eventType).Observe(seconds)
}
