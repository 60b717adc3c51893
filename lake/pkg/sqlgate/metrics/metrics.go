package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pharma_lake_sqlgate_build_info",
			Help: "Build information of the Pharma Lake SQL gateway",
		},
		[]string{"version", "commit", "date"},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharma_lake_sqlgate_queries_total",
			Help: "Total number of statements received over the wire protocol by outcome",
		},
		[]string{"outcome"},
	)

	AuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pharma_lake_sqlgate_auth_failures_total",
			Help: "Total number of rejected logins",
		},
	)
)
