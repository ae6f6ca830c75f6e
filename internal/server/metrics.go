package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one chat server. Each server
// gets its own registry so several can live in one process.
type Metrics struct {
	registry      *prometheus.Registry
	sessions      prometheus.Gauge
	registrations *prometheus.CounterVec
	routed        *prometheus.CounterVec
	broadcasts    prometheus.Counter
	dropped       prometheus.Counter
	mailboxOps    *prometheus.CounterVec
	mailboxDur    *prometheus.HistogramVec
	drained       prometheus.Counter
}

// NewMetrics registers all collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: r,
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Registered sessions currently connected.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "registrations_total",
			Help: "Registration attempts by result.",
		}, []string{"result"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_routed_total",
			Help: "Routed private messages by outcome.",
		}, []string{"outcome"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "user_list_broadcasts_total",
			Help: "User list updates pushed to all sessions.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_dropped_total",
			Help: "Outbound envelopes dropped because the connection was gone or full.",
		}),
		mailboxOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mailbox_requests_total",
			Help: "Mailbox service calls by operation and result.",
		}, []string{"op", "result"}),
		mailboxDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "mailbox_request_duration_seconds",
			Help:    "Mailbox service call latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mailbox_messages_delivered_total",
			Help: "Queued messages handed to their recipient after a drain.",
		}),
	}
	r.MustRegister(m.sessions, m.registrations, m.routed, m.broadcasts, m.dropped,
		m.mailboxOps, m.mailboxDur, m.drained)
	return m
}

func (m *Metrics) mailboxCall(op string, since time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mailboxOps.WithLabelValues(op, result).Inc()
	m.mailboxDur.WithLabelValues(op).Observe(time.Since(since).Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
