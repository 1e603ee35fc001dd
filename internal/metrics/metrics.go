// Package metrics defines the Prometheus collectors exported by starstack and
// an HTTP handler for scraping them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	FramesTotal       *prometheus.CounterVec
	StarsDetected     prometheus.Histogram
	PairMatches       prometheus.Histogram
	PairFailures      *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	LiveStackFrames   prometheus.Gauge
	HTTPRequestsTotal *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starstack_runs_total",
				Help: "Runs by job type and outcome.",
			},
			[]string{"type", "status"},
		),
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starstack_frames_total",
				Help: "Frames handled by outcome (stacked, skipped, failed).",
			},
			[]string{"outcome"},
		),
		StarsDetected: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "starstack_stars_detected",
				Help:    "Stars detected per frame.",
				Buckets: []float64{0, 4, 10, 25, 50, 100, 250, 500, 750, 1500},
			},
		),
		PairMatches: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "starstack_pair_matches",
				Help:    "Accepted star matches per adjacent frame pair.",
				Buckets: []float64{0, 4, 8, 16, 32, 64, 128, 256, 512},
			},
		),
		PairFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starstack_pair_failures_total",
				Help: "Frame pairs that could not be aligned, by reason.",
			},
			[]string{"reason"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "starstack_stage_duration_seconds",
				Help:    "Wall time per workflow stage.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),
		LiveStackFrames: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "starstack_live_stack_frames",
				Help: "Frames folded into the live stack.",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starstack_http_requests_total",
				Help: "HTTP requests by route and status.",
			},
			[]string{"route", "status"},
		),
	}

	m.registry.MustRegister(
		m.RunsTotal,
		m.FramesTotal,
		m.StarsDetected,
		m.PairMatches,
		m.PairFailures,
		m.StageDuration,
		m.LiveStackFrames,
		m.HTTPRequestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveStars(n int) {
	if m == nil {
		return
	}
	m.StarsDetected.Observe(float64(n))
}

func (m *Metrics) ObservePair(matches int) {
	if m == nil {
		return
	}
	m.PairMatches.Observe(float64(matches))
}

func (m *Metrics) CountPairFailure(reason string) {
	if m == nil {
		return
	}
	m.PairFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) CountFrames(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesTotal.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) CountRun(jobType, status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(jobType, status).Inc()
}

func (m *Metrics) SetLiveFrames(n int) {
	if m == nil {
		return
	}
	m.LiveStackFrames.Set(float64(n))
}

func (m *Metrics) CountRequest(route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
}
