// Package metrics provides Prometheus metrics for the dashboard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the dashboard.
type Metrics struct {
	WatchEventsTotal  *prometheus.CounterVec
	RefreshesTotal    *prometheus.CounterVec
	RefreshDuration   prometheus.Histogram
	BroadcastsTotal   *prometheus.CounterVec
	SubscribersActive prometheus.Gauge
	ArchivesTotal     *prometheus.CounterVec
	ParseErrorsTotal  *prometheus.CounterVec
	WatchErrorsTotal  prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		WatchEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashboard_watch_events_total",
				Help: "Debounced filesystem events by operation.",
			},
			[]string{"op"},
		),
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashboard_refreshes_total",
				Help: "State re-reads by trigger.",
			},
			[]string{"trigger"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dashboard_refresh_duration_seconds",
				Help:    "Time spent re-reading the watched trees.",
				Buckets: prometheus.DefBuckets,
			},
		),
		BroadcastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashboard_broadcasts_total",
				Help: "Change-detection outcomes: sent or skipped.",
			},
			[]string{"result"},
		),
		SubscribersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dashboard_subscribers_active",
				Help: "Number of connected live subscribers.",
			},
		),
		ArchivesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashboard_archives_total",
				Help: "Session archive attempts by result.",
			},
			[]string{"result"},
		),
		ParseErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashboard_parse_errors_total",
				Help: "Files skipped by the state reader, by kind.",
			},
			[]string{"kind"},
		),
		WatchErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dashboard_watch_errors_total",
				Help: "Errors reported by the filesystem watcher.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.WatchEventsTotal)
	reg.MustRegister(m.RefreshesTotal)
	reg.MustRegister(m.RefreshDuration)
	reg.MustRegister(m.BroadcastsTotal)
	reg.MustRegister(m.SubscribersActive)
	reg.MustRegister(m.ArchivesTotal)
	reg.MustRegister(m.ParseErrorsTotal)
	reg.MustRegister(m.WatchErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (for testing).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordWatchEvent increments the watch event counter.
func (m *Metrics) RecordWatchEvent(op string) {
	m.WatchEventsTotal.WithLabelValues(op).Inc()
}

// RecordWatchError increments the watcher error counter.
func (m *Metrics) RecordWatchError() {
	m.WatchErrorsTotal.Inc()
}

// RecordRefresh counts a re-read and its duration.
func (m *Metrics) RecordRefresh(trigger string, seconds float64) {
	m.RefreshesTotal.WithLabelValues(trigger).Inc()
	m.RefreshDuration.Observe(seconds)
}

// RecordBroadcast counts a change-detection outcome.
func (m *Metrics) RecordBroadcast(sent bool) {
	if sent {
		m.BroadcastsTotal.WithLabelValues("sent").Inc()
		return
	}
	m.BroadcastsTotal.WithLabelValues("skipped").Inc()
}

// SetSubscribers sets the connected subscriber count.
func (m *Metrics) SetSubscribers(count int) {
	m.SubscribersActive.Set(float64(count))
}

// RecordArchive counts an archive attempt.
func (m *Metrics) RecordArchive(result string) {
	m.ArchivesTotal.WithLabelValues(result).Inc()
}

// RecordParseError counts a skipped file.
func (m *Metrics) RecordParseError(kind string) {
	m.ParseErrorsTotal.WithLabelValues(kind).Inc()
}
