package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	runs            *prometheus.CounterVec
	pairs           prometheus.Counter
	invalidBranches prometheus.Counter
	area            prometheus.Gauge
	graphSpores     prometheus.Gauge
	stageDuration   *prometheus.HistogramVec
}

// NewMetrics registers the session collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spores",
			Name:      "runs_total",
			Help:      "Completed session runs by outcome.",
		}, []string{"outcome"}),
		pairs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "spores",
			Name:      "pairs_merged_total",
			Help:      "Leaf pairs merged into shared graph nodes.",
		}),
		invalidBranches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "spores",
			Name:      "invalid_branches_total",
			Help:      "Tree branches excluded for non-finite states.",
		}),
		area: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "spores",
			Name:      "tree_area",
			Help:      "Leaf area of the last published tree.",
		}),
		graphSpores: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "spores",
			Name:      "graph_spores",
			Help:      "Spores in the last published graph.",
		}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spores",
			Name:      "stage_duration_seconds",
			Help:      "Wall time per run stage.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"stage"}),
	}
}

func (m *Metrics) observeStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeRun(outcome string, snap Snapshot) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	if outcome != outcomeOK {
		return
	}
	m.pairs.Add(float64(len(snap.Pairs)))
	m.invalidBranches.Add(float64(snap.InvalidBranches))
	m.area.Set(snap.Area)
	m.graphSpores.Set(float64(snap.Document.Statistics.TotalSpores))
}
