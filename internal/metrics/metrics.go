package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansProcessed tracks repos processed per tier by the scheduler
	ScansProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repopulse_scans_processed_total",
			Help: "Total number of repos processed by scheduler passes",
		},
		[]string{"tier"},
	)

	// ScanErrors tracks per-repo scan failures
	ScanErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repopulse_scan_errors_total",
			Help: "Total number of per-repo scan failures",
		},
		[]string{"tier"},
	)

	// SchedulerPassDuration tracks wall-clock time of scheduler passes
	SchedulerPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repopulse_scheduler_pass_duration_seconds",
			Help:    "Wall-clock duration of scheduler passes",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		},
	)

	// AnalysisCalls tracks analysis call outcomes
	AnalysisCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repopulse_analysis_calls_total",
			Help: "Total number of analysis calls by outcome",
		},
		[]string{"outcome"},
	)

	// AnalysisErrors tracks classified analysis failures
	AnalysisErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repopulse_analysis_errors_total",
			Help: "Total number of analysis failures by error kind",
		},
		[]string{"kind"},
	)

	// AnalysisDuration tracks per-item analysis latency
	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repopulse_analysis_duration_seconds",
			Help:    "Per-item analysis call latency",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// RateLimitDenied tracks non-blocking admission denials per resource key
	RateLimitDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repopulse_rate_limit_denied_total",
			Help: "Total number of rate limiter denials",
		},
		[]string{"key"},
	)

	// TierPopulation tracks the number of repos per tier
	TierPopulation = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "repopulse_tier_population",
			Help: "Number of repos currently assigned to each tier",
		},
		[]string{"tier"},
	)

	// BatchItemsProcessed tracks batch item terminal states
	BatchItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repopulse_batch_items_total",
			Help: "Total number of batch items reaching a terminal state",
		},
		[]string{"state"},
	)
)
