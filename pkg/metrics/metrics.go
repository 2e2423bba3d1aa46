package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Levels reported by HealthLevel. The normal level is exported as "normal"
// because an empty label value is indistinguishable from a missing one.
var Levels = []string{"init", "normal", "warning", "stop"}

var (
	UsageRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_usage_recorded_total",
			Help: "Total usage units recorded per dimension",
		},
		[]string{"dimension"},
	)

	PendingQuantity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metering_pending_quantity",
			Help: "Usage accumulated since the last successful flush, per dimension",
		},
		[]string{"dimension"},
	)

	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_submissions_total",
			Help: "Metering submissions by dimension and outcome",
		},
		[]string{"dimension", "outcome"},
	)

	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metering_flush_duration_seconds",
			Help:    "Duration of a full flush across all dimensions",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)

	LastFlushTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metering_last_flush_timestamp_seconds",
			Help: "Most recent successful flush across all dimensions (unix seconds)",
		},
	)

	HealthLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metering_health_level",
			Help: "Current metering health level (1 = active level)",
		},
		[]string{"level"},
	)

	HealthDetails = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metering_health_details",
			Help: "Number of error details currently attached to the health state",
		},
	)
)

// RecordSubmission counts one submission outcome: "success", "failure" or
// "skipped".
func RecordSubmission(dimension, outcome string) {
	Submissions.WithLabelValues(dimension, outcome).Inc()
}

// UpdateHealth sets the active level to 1 and every other level to 0.
func UpdateHealth(level string, details int) {
	if level == "" {
		level = "normal"
	}
	for _, l := range Levels {
		HealthLevel.WithLabelValues(l).Set(0)
	}
	HealthLevel.WithLabelValues(level).Set(1)
	HealthDetails.Set(float64(details))
}
