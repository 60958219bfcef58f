// Package metrics exposes the Prometheus instrumentation for the
// allocation engine, grounded on the client_golang usage throughout the
// pack's example services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the counters and histograms the allocation engine
// updates as it runs. NewNoop registers them on a private registry that
// nothing scrapes, useful in tests that don't wire a registry; the
// collectors still record observations and can be read back.
type Metrics struct {
	AllocationsTotal   *prometheus.CounterVec
	AllocationAmountWh *prometheus.CounterVec
	BatchCommitSeconds prometheus.Histogram
	ExpiredUnconsumed  prometheus.Gauge
}

// New constructs and registers the engine's metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AllocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ggoledger",
			Subsystem: "allocation",
			Name:      "consumers_total",
			Help:      "Count of allocation batches built by the engine, all reported under kind \"batch\".",
		}, []string{"kind"}),
		AllocationAmountWh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ggoledger",
			Subsystem: "allocation",
			Name:      "amount_wh_total",
			Help:      "Total Wh allocated to consumers (excluding the self-transfer remainder), all reported under kind \"batch\".",
		}, []string{"kind"}),
		BatchCommitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ggoledger",
			Subsystem: "composer",
			Name:      "batch_commit_seconds",
			Help:      "Latency of committing a composed batch to the unit of work.",
			Buckets:   prometheus.DefBuckets,
		}),
		ExpiredUnconsumed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ggoledger",
			Subsystem: "sweep",
			Name:      "expired_unconsumed_ggos",
			Help:      "Number of stored GGOs observed past their expire_time at last sweep.",
		}),
	}
	reg.MustRegister(m.AllocationsTotal, m.AllocationAmountWh, m.BatchCommitSeconds, m.ExpiredUnconsumed)
	return m
}

// NewNoop returns a Metrics backed by an unregistered registry, safe to
// use in tests that don't care about Prometheus wiring.
func NewNoop() *Metrics {
	return New(prometheus.NewRegistry())
}
