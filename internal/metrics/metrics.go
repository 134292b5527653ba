// Package metrics defines the Prometheus instrumentation surfaced on the
// admin HTTP port, in the shape of the coursework microservice's
// internal/metrics package: a single Metrics struct built once via New
// and threaded into whichever component needs to record something,
// rather than a package-level global registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/histogram this system exports.
type Metrics struct {
	RoundsTotal        *prometheus.CounterVec
	RoundLatency       prometheus.Histogram
	VotesTotal         *prometheus.CounterVec
	TransportErrors    *prometheus.CounterVec
	ReplicationTotal   *prometheus.CounterVec
	ReplicationLatency *prometheus.HistogramVec
	WorkersGauge       prometheus.Gauge
}

// New constructs and registers every metric against the default
// registry. Safe to call once per process.
func New() *Metrics {
	m := &Metrics{
		RoundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordcore_quorum_rounds_total",
			Help: "Fan-out rounds completed, labeled by outcome class.",
		}, []string{"outcome"}),
		RoundLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordcore_quorum_round_latency_seconds",
			Help:    "Time from round start to decision.",
			Buckets: prometheus.DefBuckets,
		}),
		VotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordcore_quorum_votes_total",
			Help: "Normalized votes observed, labeled by response class.",
		}, []string{"class"}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordcore_transport_errors_total",
			Help: "Sub-request transport failures, labeled by error class.",
		}, []string{"class"}),
		ReplicationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordcore_replication_operations_total",
			Help: "Replication operations, labeled by terminal state.",
		}, []string{"state"}),
		ReplicationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coordcore_replication_phase_latency_seconds",
			Help:    "Replication phase latency, labeled by phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		WorkersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordcore_workers_registered",
			Help: "Number of workers currently registered.",
		}),
	}

	prometheus.MustRegister(
		m.RoundsTotal,
		m.RoundLatency,
		m.VotesTotal,
		m.TransportErrors,
		m.ReplicationTotal,
		m.ReplicationLatency,
		m.WorkersGauge,
	)
	return m
}

// NewUnregistered builds a Metrics instance against a private registry,
// for tests that construct more than one instance per process (the
// default registry panics on duplicate registration).
func NewUnregistered() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		RoundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordcore_quorum_rounds_total", Help: "rounds",
		}, []string{"outcome"}),
		RoundLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "coordcore_quorum_round_latency_seconds", Help: "latency",
		}),
		VotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordcore_quorum_votes_total", Help: "votes",
		}, []string{"class"}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordcore_transport_errors_total", Help: "errors",
		}, []string{"class"}),
		ReplicationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordcore_replication_operations_total", Help: "ops",
		}, []string{"state"}),
		ReplicationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "coordcore_replication_phase_latency_seconds", Help: "latency",
		}, []string{"phase"}),
		WorkersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordcore_workers_registered", Help: "workers",
		}),
	}
	reg.MustRegister(
		m.RoundsTotal, m.RoundLatency, m.VotesTotal, m.TransportErrors,
		m.ReplicationTotal, m.ReplicationLatency, m.WorkersGauge,
	)
	return m, reg
}
