// Package metrics holds the Prometheus collectors for executions and the
// HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caffeineduck/sandpit/executor"
)

const namespace = "sandpit"

// Metrics is one set of collectors bound to a registry.
type Metrics struct {
	Executions       *prometheus.CounterVec
	ExecutionTime    *prometheus.HistogramVec
	ExecutionsActive prometheus.Gauge
	ValidationErrors *prometheus.CounterVec
	RateLimited      prometheus.Counter

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	WSConnections   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executions by language and terminal status.",
		}, []string{"language", "status"}),
		ExecutionTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time from execute to terminal result.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"language"}),
		ExecutionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_active",
			Help:      "Executions without a terminal result.",
		}),
		ValidationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_errors_total",
			Help:      "Blocking validation errors by language and type.",
		}, []string{"language", "type"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Executions rejected by the session quota.",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"method", "route"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open streaming connections.",
		}),
		gatherer: reg,
	}
}

// Started marks an execution as in flight.
func (m *Metrics) Started() {
	m.ExecutionsActive.Inc()
}

// Finished records a terminal result of an execution that was Started.
func (m *Metrics) Finished(lang executor.Language, res executor.Result) {
	m.ExecutionsActive.Dec()
	m.Executions.WithLabelValues(string(lang), string(res.Status)).Inc()
	m.ExecutionTime.WithLabelValues(string(lang)).Observe(res.ExecutionTime.Seconds())
}

// Validated counts the blocking errors of a validation result.
func (m *Metrics) Validated(lang executor.Language, res executor.ValidationResult) {
	for _, e := range res.Errors {
		m.ValidationErrors.WithLabelValues(string(lang), string(e.Type)).Inc()
	}
}

// Request records one served HTTP request.
func (m *Metrics) Request(method, route string, code int, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
