package syncer

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ops       *prometheus.CounterVec
	retries   prometheus.Counter
	conflicts prometheus.Counter
	batches   prometheus.Histogram
	health    prometheus.Gauge
	queued    prometheus.Gauge
}

// NewMetrics registers the sync collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chartsync",
			Name:      "operations_total",
			Help:      "Sync operations by final outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chartsync",
			Name:      "retries_total",
			Help:      "Transient failures scheduled for retry.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chartsync",
			Name:      "conflicts_total",
			Help:      "Operations that needed a conflict resolution.",
		}),
		batches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chartsync",
			Name:      "batch_size",
			Help:      "Operations per remote round trip.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		health: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chartsync",
			Name:      "health_score",
			Help:      "Recent success ratio of remote calls.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chartsync",
			Name:      "queued_operations",
			Help:      "Operations not yet settled.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.retries, m.conflicts, m.batches, m.health, m.queued)
	}
	return m
}

func (m *Metrics) outcome(name string) {
	if m != nil {
		m.ops.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) conflict() {
	if m != nil {
		m.conflicts.Inc()
	}
}

func (m *Metrics) batch(n int) {
	if m != nil {
		m.batches.Observe(float64(n))
	}
}

func (m *Metrics) gauges(score float64, queued int) {
	if m != nil {
		m.health.Set(score)
		m.queued.Set(float64(queued))
	}
}
