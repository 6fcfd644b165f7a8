// Package telemetry provides the ambient Prometheus metrics and
// OpenTelemetry spans that Cnx and Producer emit. Both are optional:
// callers check for a nil *Metrics or *Tracer and skip instrumentation.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every counter/gauge/histogram a Cnx or Producer reports.
type Metrics struct {
	Reconnects        prometheus.Counter
	ConnectFailures   prometheus.Counter
	BytesPublished    prometheus.Counter
	MessagesPublished prometheus.Counter
	MessagesFailed    prometheus.Counter
	SendTimeouts      prometheus.Counter
	PublishLatency    prometheus.Histogram
	PendingMessages   prometheus.Gauge
}

// DefaultHistogramBuckets is a dense-around-target bucket layout
// centered on a producer's typical publish latency.
var DefaultHistogramBuckets = []float64{
	0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5,
}

// NewMetrics registers a fresh set of metrics under namespace (default
// "flowmq") against reg. Pass a prometheus.NewRegistry() in tests for
// isolation, or prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "flowmq"
	}
	m := &Metrics{
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cnx", Name: "reconnects_total",
			Help: "Number of times a Cnx successfully reestablished its connection.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cnx", Name: "connect_failures_total",
			Help: "Number of dial/handshake attempts that failed.",
		}),
		BytesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "producer", Name: "bytes_published_total",
			Help: "Total uncompressed bytes accepted by Producer.Send.",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "producer", Name: "messages_published_total",
			Help: "Total messages acknowledged by the broker.",
		}),
		MessagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "producer", Name: "messages_failed_total",
			Help: "Total messages that failed terminally (not retried).",
		}),
		SendTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "producer", Name: "send_timeouts_total",
			Help: "Total in-flight messages failed by the send-timeout timer.",
		}),
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "producer", Name: "publish_latency_seconds",
			Help:    "Time from Send call to broker acknowledgment.",
			Buckets: DefaultHistogramBuckets,
		}),
		PendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "producer", Name: "pending_messages",
			Help: "Current number of messages admitted but not yet acknowledged.",
		}),
	}
	reg.MustRegister(
		m.Reconnects, m.ConnectFailures, m.BytesPublished, m.MessagesPublished,
		m.MessagesFailed, m.SendTimeouts, m.PublishLatency, m.PendingMessages,
	)
	return m
}
