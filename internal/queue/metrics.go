package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bookingdispatch"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of queue records by region and status",
		},
		[]string{"region", "status"},
	)

	recordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Total queue record resolutions by notification type and result",
		},
		[]string{"type", "result"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "execution_duration_seconds",
			Help:      "Time spent in the executor per attempt",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"type"},
	)

	recordsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claimed_total",
			Help:      "Total records claimed by dispatcher workers. Sum of processed_total should match this.",
		},
	)

	versionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "version_conflicts_total",
			Help:      "Outcomes dropped because the record was reclaimed by another worker",
		},
	)

	recordsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total records enqueued by notification type and trigger",
		},
		[]string{"type", "trigger"},
	)
)

func recordProcessed(notificationType, result string) {
	recordsProcessed.WithLabelValues(notificationType, result).Inc()
}

func recordExecutionDuration(notificationType string, duration time.Duration) {
	executionDuration.WithLabelValues(notificationType).Observe(duration.Seconds())
}

func recordClaimed(count int) {
	recordsClaimed.Add(float64(count))
}

func recordVersionConflict() {
	versionConflicts.Inc()
}

func recordEnqueued(records []*Record) {
	for _, r := range records {
		recordsEnqueued.WithLabelValues(string(r.Type), string(r.Trigger)).Inc()
	}
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *Stats) {
	queueSize.WithLabelValues("pending", "pending").Set(float64(stats.Pending))
	queueSize.WithLabelValues("pending", "processing").Set(float64(stats.Processing))
	queueSize.WithLabelValues("history", "sent").Set(float64(stats.Sent))
	queueSize.WithLabelValues("history", "failed").Set(float64(stats.Failed))
	queueSize.WithLabelValues("history", "cancelled").Set(float64(stats.Cancelled))
}
