package courier

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsNamespace is used as the namespace of every courier metric.
	MetricsNamespace = "courier"
)

// Request outcomes.
const (
	outcomeOK           = "ok"
	outcomeRemoteError  = "remote_error"
	outcomeTimeout      = "timeout"
	outcomeTransport    = "transport_error"
	outcomeNoResponders = "no_responders"
	outcomeCanceled     = "canceled"
)

// Drop reasons.
const (
	dropMalformed       = "malformed"
	dropUnauthenticated = "unauthenticated"
	dropUnsolicited     = "unsolicited"
	dropInvalid         = "invalid"
)

// Metrics are the prometheus collectors of one channel. They are always
// updated; they are only exported when registered.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	ChunksSent      prometheus.Counter
	ChunksReceived  prometheus.Counter
	ChunksDropped   *prometheus.CounterVec
	Evictions       prometheus.Counter
	Pending         prometheus.Gauge
	HandlerPanics   prometheus.Counter
}

// NewMetrics creates the collectors for the named service.
func NewMetrics(service string) *Metrics {
	labels := prometheus.Labels{"service": service}
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   MetricsNamespace,
			Subsystem:   "request",
			Name:        "total",
			Help:        "The number of requests sent, by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   MetricsNamespace,
			Subsystem:   "request",
			Name:        "duration_seconds",
			Help:        "Time from the first chunk sent to the request settling",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   MetricsNamespace,
			Subsystem:   "chunk",
			Name:        "sent_total",
			Help:        "The number of chunks put on the transport",
			ConstLabels: labels,
		}),
		ChunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   MetricsNamespace,
			Subsystem:   "chunk",
			Name:        "received_total",
			Help:        "The number of chunks received from the transport",
			ConstLabels: labels,
		}),
		ChunksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   MetricsNamespace,
			Subsystem:   "chunk",
			Name:        "dropped_total",
			Help:        "The number of received chunks that were dropped, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   MetricsNamespace,
			Subsystem:   "reassembly",
			Name:        "evictions_total",
			Help:        "The number of incomplete messages evicted after going idle",
			ConstLabels: labels,
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   MetricsNamespace,
			Subsystem:   "request",
			Name:        "pending",
			Help:        "The number of requests waiting for a response",
			ConstLabels: labels,
		}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   MetricsNamespace,
			Subsystem:   "handler",
			Name:        "panics_total",
			Help:        "The number of handler invocations that panicked",
			ConstLabels: labels,
		}),
	}
}

// Register registers every collector with registerer.
func (m *Metrics) Register(registerer prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.Requests,
		m.RequestDuration,
		m.ChunksSent,
		m.ChunksReceived,
		m.ChunksDropped,
		m.Evictions,
		m.Pending,
		m.HandlerPanics,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
