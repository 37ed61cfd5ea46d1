package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Controller metrics for production monitoring
var (
	// Anomaly detection
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adaptive_care_evaluations_total",
			Help: "Total number of telemetry ticks evaluated, by resulting mode and trigger",
		},
		[]string{"mode", "trigger"},
	)

	EvaluateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adaptive_care_evaluate_duration_seconds",
			Help:    "Time spent evaluating one telemetry tick",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12), // 50us to ~100ms
		},
	)

	TrackedUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adaptive_care_tracked_users",
			Help: "Number of users with in-memory risk state",
		},
	)

	// Baseline lookups
	BaselineLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adaptive_care_baseline_lookups_total",
			Help: "Baseline lookups by outcome (exact_bucket/neighbor_bucket/absent/error) and cache result",
		},
		[]string{"outcome", "cache"},
	)

	// Recommendation
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adaptive_care_selections_total",
			Help: "Total number of intervention selections by category and status",
		},
		[]string{"category", "status"}, // status: chosen/no_candidates/conflict/error
	)

	CandidatesFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adaptive_care_candidates_filtered_total",
			Help: "Candidates discarded before scoring, by filter",
		},
		[]string{"filter"},
	)

	// Feedback
	FeedbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adaptive_care_feedback_total",
			Help: "Feedback events by result",
		},
		[]string{"result"}, // result: applied/duplicate/rejected/error
	)
)
