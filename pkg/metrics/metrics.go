// Package metrics exposes the node's Prometheus instrumentation, adapted
// from the teacher's cluster/container gauge set to job/queue/VectorFS
// counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transport metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shinkai_connections_active",
			Help: "Current number of open inbound TCP connections",
		},
	)

	ConnectionsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinkai_connections_rejected_total",
			Help: "Total connections dropped by the per-IP or global limiter",
		},
		[]string{"reason"},
	)

	FramesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinkai_frames_received_total",
			Help: "Total inbound frames by type tag",
		},
		[]string{"frame_type"},
	)

	RetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shinkai_retry_queue_depth",
			Help: "Current number of messages awaiting retry delivery",
		},
	)

	RetriesExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shinkai_retries_exhausted_total",
			Help: "Total messages dropped after exceeding the retry cap",
		},
	)

	// Relay metrics
	RelaySessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shinkai_relay_sessions_active",
			Help: "Current number of registered relay sessions",
		},
	)

	RelayFramesForwardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shinkai_relay_frames_forwarded_total",
			Help: "Total frames forwarded by the TCP relay",
		},
	)

	// Network job manager metrics
	NetworkJobQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shinkai_network_job_queue_depth",
			Help: "Total elements across all network job manager queue keys",
		},
	)

	NetworkJobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinkai_network_jobs_processed_total",
			Help: "Total inbound messages dispatched by schema",
		},
		[]string{"schema", "outcome"},
	)

	// Job execution metrics
	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shinkai_jobs_active",
			Help: "Current number of unfinished jobs",
		},
	)

	JobStepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shinkai_job_step_duration_seconds",
			Help:    "Time taken to execute one job processing step",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobStepsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinkai_job_steps_failed_total",
			Help: "Total job processing steps that ended in error",
		},
		[]string{"stage"},
	)

	// VectorFS metrics
	VectorFSSearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shinkai_vectorfs_search_duration_seconds",
			Help:    "Time taken to complete a vector search",
			Buckets: prometheus.DefBuckets,
		},
	)

	VectorFSMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinkai_vectorfs_mutations_total",
			Help: "Total VectorFS write operations by kind",
		},
		[]string{"op"},
	)

	VectorFSPermissionDenialsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shinkai_vectorfs_permission_denials_total",
			Help: "Total reader/writer construction denials",
		},
	)

	// Subscription metrics
	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shinkai_subscriptions_active",
			Help: "Current number of active subscriptions served by this node",
		},
	)

	VRPacksSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shinkai_vrpacks_sent_total",
			Help: "Total encrypted VRPacks sent to subscribers",
		},
	)

	// WebSocket fan-out metrics
	WSSubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shinkai_ws_subscribers_active",
			Help: "Current number of connected WebSocket subscribers",
		},
	)

	WSMessagesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shinkai_ws_messages_dropped_total",
			Help: "Total fan-out messages dropped due to a full subscriber buffer",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsRejectedTotal,
		FramesReceivedTotal,
		RetryQueueDepth,
		RetriesExhaustedTotal,
		RelaySessionsActive,
		RelayFramesForwardedTotal,
		NetworkJobQueueDepth,
		NetworkJobsProcessedTotal,
		JobsActive,
		JobStepDuration,
		JobStepsFailedTotal,
		VectorFSSearchDuration,
		VectorFSMutationsTotal,
		VectorFSPermissionDenialsTotal,
		SubscriptionsActive,
		VRPacksSentTotal,
		WSSubscribersActive,
		WSMessagesDroppedTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
