package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess  = "success"
	resultFailure  = "failure"
	resultConflict = "conflict"
)

var (
	// BuildsTotal counts partition builds.
	// Labels: partition, result (success, failure, conflict)
	BuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "index",
			Name:      "rebuilds_total",
			Help:      "Total number of partition index builds by result",
		},
		[]string{"partition", "result"},
	)

	// BuildDuration tracks how long partition builds take.
	BuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "knowledged",
			Subsystem: "index",
			Name:      "rebuild_duration_seconds",
			Help:      "Duration of partition index builds in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"partition"},
	)
)
