// Package metrics holds the gateway's Prometheus collectors.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "airguard"

// Drop reasons.
const (
	ReasonParse      = "parse"
	ReasonValidation = "validation"
)

type Metrics struct {
	registry *prometheus.Registry

	LinesRead        prometheus.Counter
	PacketsAccepted  prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
	SinkDeliveries   *prometheus.CounterVec
	SinkDuration     *prometheus.HistogramVec
	TransportReopens prometheus.Counter
	BrokerConnected  prometheus.Gauge
}

// New builds the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LinesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "lines_total",
			Help:      "Non-blank lines read from the transport",
		}),
		PacketsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "packets",
			Name:      "accepted_total",
			Help:      "Packets that passed framing and normalization",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "packets",
			Name:      "dropped_total",
			Help:      "Lines or blocks discarded before fan-out",
		}, []string{"reason"}),
		SinkDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "deliveries_total",
			Help:      "Sink delivery attempts by outcome",
		}, []string{"sink", "outcome"}),
		SinkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent in a single sink delivery",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"sink"}),
		TransportReopens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "reopens_total",
			Help:      "Transport reopen attempts after an I/O failure",
		}),
		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connected",
			Help:      "1 while the MQTT connection is up",
		}),
	}
	m.registry.MustRegister(
		m.LinesRead,
		m.PacketsAccepted,
		m.PacketsDropped,
		m.SinkDeliveries,
		m.SinkDuration,
		m.TransportReopens,
		m.BrokerConnected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Line() {
	if m != nil {
		m.LinesRead.Inc()
	}
}

func (m *Metrics) Accepted() {
	if m != nil {
		m.PacketsAccepted.Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.PacketsDropped.WithLabelValues(reason).Inc()
	}
}

// Delivery records one sink attempt.
func (m *Metrics) Delivery(sink string, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SinkDeliveries.WithLabelValues(sink, outcome).Inc()
	m.SinkDuration.WithLabelValues(sink).Observe(took.Seconds())
}

func (m *Metrics) Reopen() {
	if m != nil {
		m.TransportReopens.Inc()
	}
}

func (m *Metrics) SetBrokerConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.BrokerConnected.Set(1)
	} else {
		m.BrokerConnected.Set(0)
	}
}
