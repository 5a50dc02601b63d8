package gateway

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's prometheus instruments on a private registry
// so tests can run servers side by side.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	events   prometheus.Counter
}

// NewMetrics builds and registers the gateway instruments.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "termmax",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "HTTP requests served, labelled by route and status code.",
	}, []string{"route", "status"})
	events := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "termmax",
		Subsystem: "gateway",
		Name:      "events_recorded_total",
		Help:      "Engine events captured by the audit feed.",
	})
	registry.MustRegister(requests, events)
	return &Metrics{registry: registry, requests: requests, events: events}
}

// Handler exposes the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observe(route string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) eventRecorded() {
	if m == nil {
		return
	}
	m.events.Inc()
}
