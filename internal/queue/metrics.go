package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "postqueue"

var (
	queuePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Number of pending posts by scheduling status",
		},
		[]string{"status"},
	)

	rebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rebuild_total",
			Help:      "Total queue rebuilds by result",
		},
		[]string{"result"},
	)

	rebuildUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rebuild_updated_total",
			Help:      "Total posts whose scheduled time was changed by a rebuild",
		},
	)

	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "published_total",
			Help:      "Total publish attempts by trigger path and result",
		},
		[]string{"path", "result"},
	)

	publishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "publish_duration_seconds",
			Help:      "Time to run the publish sequence",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"path"},
	)

	publishReasons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "publish_reason_total",
			Help:      "Posts selected by the worker, by selection reason",
		},
		[]string{"reason"},
	)

	timestampFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "timestamp_fallback_total",
			Help:      "Unparseable stored timestamps replaced with the current time",
		},
	)

	deadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dead_lettered_total",
			Help:      "Posts held after exhausting their publish attempts",
		},
	)

	approvalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "approvals_total",
			Help:      "Approvals by outcome",
		},
		[]string{"outcome"},
	)
)

func recordRebuild(result string, updated int) {
	rebuildsTotal.WithLabelValues(result).Inc()
	rebuildUpdated.Add(float64(updated))
}

func recordPublished(path PublishPath, result string, duration time.Duration) {
	publishedTotal.WithLabelValues(string(path), result).Inc()
	publishDuration.WithLabelValues(string(path)).Observe(duration.Seconds())
}

func recordPublishReason(reason string) {
	publishReasons.WithLabelValues(reason).Inc()
}

func recordTimestampFallback() {
	timestampFallbacks.Inc()
}

func recordDeadLettered() {
	deadLettered.Inc()
}

func recordApproval(outcome string) {
	approvalsTotal.WithLabelValues(outcome).Inc()
}

// RecordQueueStats updates pending queue gauges.
func RecordQueueStats(stats QueueStats) {
	queuePending.WithLabelValues("scheduled").Set(float64(stats.Scheduled))
	queuePending.WithLabelValues("held").Set(float64(stats.Held))
}
