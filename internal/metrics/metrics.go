package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "macro_dashboard_build_info",
		Help: "Build information of the macro dashboard service",
	},
		[]string{"version", "commit", "date"},
	)

	RefreshAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macro_dashboard_refresh_attempts_total",
		Help: "Total number of per-series refresh attempts",
	},
		[]string{"source", "status"},
	)

	PointsInsertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macro_dashboard_points_inserted_total",
		Help: "Total number of observation points inserted",
	},
		[]string{"source"},
	)

	PointsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macro_dashboard_points_skipped_total",
		Help: "Total number of fetched observation points that were already stored",
	},
		[]string{"source"},
	)

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "macro_dashboard_fetch_duration_seconds",
		Help:    "Duration of upstream fetch calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	},
		[]string{"source"},
	)

	RefreshRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macro_dashboard_refresh_runs_total",
		Help: "Total number of source refresh runs by outcome",
	},
		[]string{"source", "outcome"},
	)
)
