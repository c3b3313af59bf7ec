package query

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts retrievals.
	// Labels: result (success, invalid, denied, error)
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "query",
			Name:      "total",
			Help:      "Total number of retrievals by result",
		},
		[]string{"result"},
	)

	// QueryDuration tracks retrieval latency.
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "knowledged",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Duration of retrievals in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// PartitionFailures counts per-partition search failures.
	PartitionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "query",
			Name:      "partition_failures_total",
			Help:      "Total number of partition searches that failed during a retrieval",
		},
		[]string{"partition"},
	)
)

func observeQuery(err error, elapsed time.Duration) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidInput):
		result = "invalid"
	case errors.Is(err, ErrAccessDenied):
		result = "denied"
	default:
		result = "error"
	}
	QueriesTotal.WithLabelValues(result).Inc()
	QueryDuration.Observe(elapsed.Seconds())
}
