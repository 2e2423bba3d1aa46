package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_notifications_delivered_total",
			Help: "Metering notifications delivery attempts by channel, event and outcome",
		},
		[]string{"channel", "event_type", "status"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metering_notification_delivery_duration_seconds",
			Help:    "Time spent delivering one metering notification",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_notification_retries_total",
			Help: "Metering notifications queued for another attempt",
		},
		[]string{"channel"},
	)

	droppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_notifications_dropped_total",
			Help: "Metering notifications abandoned, by reason",
		},
		[]string{"channel", "reason"},
	)

	retryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metering_notification_retry_queue_depth",
			Help: "Metering notifications waiting in the retry queue",
		},
	)
)

// Drop reasons.
const (
	dropMaxRetries = "max_retries"
	dropQueueFull  = "queue_full"
)

func recordDelivery(channel, eventType string, err error, took time.Duration) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	deliveriesTotal.WithLabelValues(channel, eventType, status).Inc()
	deliveryDuration.WithLabelValues(channel).Observe(took.Seconds())
}
