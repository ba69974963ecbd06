package dht

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of one node. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	malformed        prometheus.Counter
	rateLimited      prometheus.Counter
	overloaded       prometheus.Counter
	timeouts         prometheus.Counter
	unknownRes       prometheus.Counter
	bucketFullTotal  prometheus.Counter
	tableSize        prometheus.Gauge
	pending          prometheus.Gauge
	storedKeys       prometheus.Gauge
	lookupDuration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "euler"
	}
	const subsystem = "dht"

	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Valid messages received, by action",
		}, []string{"action"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Messages sent, by action",
		}, []string{"action"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "malformed_messages_total",
			Help:      "Datagrams dropped because they could not be decoded",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rate_limited_total",
			Help:      "Datagrams dropped by the inbound rate limiter",
		}),
		overloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_overload_total",
			Help:      "Datagrams dropped because every handler slot was busy",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_timeouts_total",
			Help:      "Requests that reached their deadline without a response",
		}),
		unknownRes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unknown_correlation_total",
			Help:      "Responses that matched no pending request",
		}),
		bucketFullTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bucket_full_total",
			Help:      "Contacts not stored because their bucket was full",
		}),
		tableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "routing_table_contacts",
			Help:      "Contacts currently in the routing table",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_requests",
			Help:      "Outstanding requests awaiting a response",
		}),
		storedKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stored_keys",
			Help:      "Keys held in the local store",
		}),
		lookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lookup_duration_seconds",
			Help:      "Iterative lookup duration, by kind and outcome",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"kind", "outcome"}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.messagesReceived, m.messagesSent, m.malformed, m.rateLimited,
		m.overloaded, m.timeouts, m.unknownRes, m.bucketFullTotal, m.tableSize,
		m.pending, m.storedKeys, m.lookupDuration,
	}
}

func (m *Metrics) received(a Action) {
	if m != nil {
		m.messagesReceived.WithLabelValues(string(a)).Inc()
	}
}

func (m *Metrics) sent(a Action) {
	if m != nil {
		m.messagesSent.WithLabelValues(string(a)).Inc()
	}
}

func (m *Metrics) malformedMessage() {
	if m != nil {
		m.malformed.Inc()
	}
}

func (m *Metrics) rateLimitedDatagram() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) handlerOverload() {
	if m != nil {
		m.overloaded.Inc()
	}
}

func (m *Metrics) requestTimeout() {
	if m != nil {
		m.timeouts.Inc()
	}
}

func (m *Metrics) unknownCorrelation() {
	if m != nil {
		m.unknownRes.Inc()
	}
}

func (m *Metrics) bucketFull() {
	if m != nil {
		m.bucketFullTotal.Inc()
	}
}

func (m *Metrics) setTableSize(n int) {
	if m != nil {
		m.tableSize.Set(float64(n))
	}
}

func (m *Metrics) setPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

func (m *Metrics) setStoredKeys(n int) {
	if m != nil {
		m.storedKeys.Set(float64(n))
	}
}

func (m *Metrics) observeLookup(kind, outcome string, d time.Duration) {
	if m != nil {
		m.lookupDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
	}
}
