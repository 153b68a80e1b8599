// Package metrics exposes Prometheus instruments for the publish engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	outcomes *prometheus.CounterVec
	retries  *prometheus.CounterVec
	refresh  *prometheus.CounterVec
	polls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postflow_publish_outcomes_total",
			Help: "Publish job outcomes by platform.",
		}, []string{"platform", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postflow_publish_retries_total",
			Help: "Publish retries scheduled by platform and error kind.",
		}, []string{"platform", "kind"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postflow_token_refresh_total",
			Help: "Token refresh attempts by platform and result.",
		}, []string{"platform", "result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postflow_status_polls_total",
			Help: "Async status polls by platform and observed status.",
		}, []string{"platform", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postflow_publish_duration_seconds",
			Help:    "Duration of adapter publish calls.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"platform"}),
	}
	reg.MustRegister(m.outcomes, m.retries, m.refresh, m.polls, m.duration)
	return m
}

func (m *Metrics) ObserveOutcome(platform, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) ObserveRetry(platform, kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(platform, kind).Inc()
}

func (m *Metrics) ObserveRefresh(platform, result string) {
	if m == nil {
		return
	}
	m.refresh.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) ObservePoll(platform, status string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(platform, status).Inc()
}

func (m *Metrics) ObserveDuration(platform string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(platform).Observe(d.Seconds())
}

// Handler serves the given gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
