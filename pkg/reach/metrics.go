package reach

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnreach_runs_total",
		Help: "Analysis runs by outcome",
	}, []string{"outcome"})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vulnreach_phase_duration_seconds",
		Help:    "Duration of each analysis phase",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~45min
	}, []string{"phase"})

	graphSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vulnreach_callgraph_size",
		Help: "Nodes and edges of the last constructed call graph",
	}, []string{"kind"})

	bugsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnreach_bugs_total",
		Help: "Searched bugs by result",
	}, []string{"result"})

	pathLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vulnreach_path_length",
		Help:    "Number of calls along each found path",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
	})

	scannedNodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vulnreach_scanned_nodes_total",
		Help: "Call graph nodes visited by partition scanners",
	})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnreach_uploads_total",
		Help: "Upload calls by kind and result",
	}, []string{"kind", "result"})
)

func observeUpload(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	uploadsTotal.WithLabelValues(kind, result).Inc()
}
