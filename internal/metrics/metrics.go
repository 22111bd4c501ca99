// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Connections      *prometheus.GaugeVec
	StatusChanges    *prometheus.CounterVec
	Reconnects       prometheus.Counter
	InboundMessages  *prometheus.CounterVec
	OutboundMessages *prometheus.CounterVec
	RouteDuration    prometheus.Histogram
	ActivityDropped  prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wagateway_connections",
				Help: "Number of tenant connections by status.",
			},
			[]string{"status"},
		),
		StatusChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagateway_status_changes_total",
				Help: "Total tenant status transitions by target status.",
			},
			[]string{"status"},
		),
		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wagateway_reconnects_total",
				Help: "Total reconnect attempts after transient closes.",
			},
		),
		InboundMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagateway_inbound_messages_total",
				Help: "Total inbound chat messages by outcome.",
			},
			[]string{"outcome"},
		),
		OutboundMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagateway_outbound_messages_total",
				Help: "Total outbound messages by kind and result.",
			},
			[]string{"kind", "result"},
		),
		RouteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wagateway_route_duration_seconds",
				Help:    "Bot router call duration.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ActivityDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wagateway_activity_dropped_total",
				Help: "Activity records dropped because the queue was full.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.Connections)
	reg.MustRegister(m.StatusChanges)
	reg.MustRegister(m.Reconnects)
	reg.MustRegister(m.InboundMessages)
	reg.MustRegister(m.OutboundMessages)
	reg.MustRegister(m.RouteDuration)
	reg.MustRegister(m.ActivityDropped)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition moves one connection from one status gauge to another.
// An empty from means the connection is new; an empty to means it was removed.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.Connections.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.Connections.WithLabelValues(to).Inc()
		m.StatusChanges.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) RecordInbound(outcome string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordOutbound(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OutboundMessages.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveRoute(seconds float64) {
	if m == nil {
		return
	}
	m.RouteDuration.Observe(seconds)
}

func (m *Metrics) RecordActivityDropped() {
	if m == nil {
		return
	}
	m.ActivityDropped.Inc()
}
