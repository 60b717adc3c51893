package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharma_lake_warehouse_queries_total",
			Help: "Total number of warehouse queries by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pharma_lake_warehouse_query_duration_seconds",
			Help:    "Duration of warehouse queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	RowsReturned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharma_lake_warehouse_rows_returned_total",
			Help: "Total number of rows returned to callers after the row cap",
		},
		[]string{"backend"},
	)

	TruncatedResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharma_lake_warehouse_truncated_results_total",
			Help: "Number of results that hit the row cap",
		},
		[]string{"backend"},
	)
)
