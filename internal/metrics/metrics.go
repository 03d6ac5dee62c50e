// Package metrics holds the Prometheus instruments for the poller and its
// collaborators. Everything is registered on a caller-supplied registerer so
// tests can use isolated registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the service's Prometheus collectors.
type Metrics struct {
	ProbesTotal     *prometheus.CounterVec
	ProbeLatency    *prometheus.HistogramVec
	CycleDuration   prometheus.Histogram
	CycleOverruns   prometheus.Counter
	StoreFailures   prometheus.Counter
	NotifyFailures  prometheus.Counter
	DevicesPresent  prometheus.Gauge
	PresenceChanges *prometheus.CounterVec
}

// New creates and registers the service metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anybodyhome",
			Name:      "probes_total",
			Help:      "Probe attempts by device and outcome.",
		}, []string{"device", "outcome"}),
		ProbeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "anybodyhome",
			Name:      "probe_latency_seconds",
			Help:      "Round-trip latency of successful probes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"device"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "anybodyhome",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of each full poll cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		CycleOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anybodyhome",
			Name:      "cycle_overruns_total",
			Help:      "Cycles that ran longer than the configured interval.",
		}),
		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anybodyhome",
			Name:      "store_failures_total",
			Help:      "Durable writes that failed or timed out.",
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anybodyhome",
			Name:      "notify_failures_total",
			Help:      "Presence-change notifications that failed.",
		}),
		DevicesPresent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "anybodyhome",
			Name:      "devices_present",
			Help:      "Number of devices currently judged present.",
		}),
		PresenceChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anybodyhome",
			Name:      "presence_changes_total",
			Help:      "Verdict transitions by device and new state.",
		}, []string{"device", "state"}),
	}

	reg.MustRegister(
		m.ProbesTotal,
		m.ProbeLatency,
		m.CycleDuration,
		m.CycleOverruns,
		m.StoreFailures,
		m.NotifyFailures,
		m.DevicesPresent,
		m.PresenceChanges,
	)
	return m
}
