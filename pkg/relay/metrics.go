// Copyright 2024-2026 Aiku AI

package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	events   *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybridge",
			Name:      "events_total",
			Help:      "Events received from portals, by kind.",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybridge",
			Name:      "portal_failures_total",
			Help:      "Failed deliveries to a portal during fan-out.",
		}, []string{"portal"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaybridge",
			Name:      "event_duration_seconds",
			Help:      "Time spent relaying one event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	reg.MustRegister(m.events, m.failures, m.duration)
	return m
}

func (m *Metrics) observeEvent(kind string, started time.Time) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
	m.duration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

func (m *Metrics) portalFailed(portal string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(portal).Inc()
}
