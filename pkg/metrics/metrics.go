// Package metrics exposes the control loop's Prometheus gauges/counters,
// following the reference agent's promauto.NewGaugeVec convention (§9, §6).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Iterations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spirit",
			Name:      "iterations_total",
			Help:      "Control loop iterations completed.",
		},
	)

	AllocationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "spirit",
			Name:      "allocation_duration_seconds",
			Help:      "Wall-clock time spent in one allocator call.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	MarketClearingIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "spirit",
			Name:      "market_clearing_iterations",
			Help:      "Binary-search iterations spent clearing the market for one VM.",
			Buckets:   []float64{1, 2, 4, 8, 12, 16, 20},
		},
	)

	TransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spirit",
			Name:      "transport_errors_total",
			Help:      "HTTP transport errors talking to the controller, by route.",
		},
		[]string{"route"},
	)

	AppCacheMB = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spirit",
			Name:      "app_cache_mb",
			Help:      "Last published cache allocation, in MB.",
		},
		[]string{"app_id"},
	)

	AppMemBWMbps = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spirit",
			Name:      "app_mem_bw_mbps",
			Help:      "Last published memory bandwidth allocation, in Mbps.",
		},
		[]string{"app_id"},
	)

	AppUtility = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spirit",
			Name:      "app_relative_performance",
			Help:      "Estimator's relative-performance prediction at the last published bundle.",
		},
		[]string{"app_id"},
	)
)
