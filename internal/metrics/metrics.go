// Package metrics exposes the tracker's operational counters on a
// private prometheus registry, so embedding applications never collide
// with the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the tracker records.
type Metrics struct {
	registry *prometheus.Registry

	// PollsTotal counts completed poll cycles.
	PollsTotal prometheus.Counter

	// BackendRequests counts backend requests by backend and outcome
	// ("success" or "failure").
	BackendRequests *prometheus.CounterVec

	// BackendLatencyEWMA mirrors the arbiter's smoothed latency per
	// backend, in milliseconds.
	BackendLatencyEWMA *prometheus.GaugeVec

	// Observations counts genuine new observations per source.
	Observations *prometheus.CounterVec

	// PollsPerUpdate mirrors the learned polls-per-update EWMA per
	// source; the closer to 1, the better the scheduler is doing.
	PollsPerUpdate *prometheus.GaugeVec
}

// New creates the metric set on a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgauge_polls_total",
			Help: "Completed poll cycles.",
		}),
		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgauge_backend_requests_total",
			Help: "Backend requests by backend and outcome.",
		}, []string{"backend", "outcome"}),
		BackendLatencyEWMA: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamgauge_backend_latency_ewma_ms",
			Help: "Smoothed backend request latency in milliseconds.",
		}, []string{"backend"}),
		Observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgauge_observations_total",
			Help: "New observations ingested per source.",
		}, []string{"source"}),
		PollsPerUpdate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamgauge_polls_per_update",
			Help: "Learned polls-per-update EWMA per source.",
		}, []string{"source"}),
	}
	reg.MustRegister(m.PollsTotal, m.BackendRequests, m.BackendLatencyEWMA, m.Observations, m.PollsPerUpdate)
	return m
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
