// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_jobs_started_total",
		Help: "Jobs accepted and handed to the runner",
	})

	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "console_jobs_running",
		Help: "Jobs currently between start and a terminal state",
	})

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by status",
		},
		[]string{"status"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "console_job_duration_seconds",
			Help:    "Wall-clock duration of finished jobs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"status"},
	)

	groupChildren = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_group_children_finished_total",
			Help: "Job group children that reached a terminal state, by status",
		},
		[]string{"status"},
	)

	promptSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_prompt_submissions_total",
			Help: "Prompts submitted to render backends, by outcome",
		},
		[]string{"backend_id", "status"},
	)

	backendOnline = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "console_backend_online",
			Help: "Whether a backend's last health check succeeded",
		},
		[]string{"backend_id"},
	)

	backendQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "console_backend_queue_depth",
			Help: "Running plus pending prompts on a backend",
		},
		[]string{"backend_id"},
	)

	backendGPUUtil = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "console_backend_gpu_utilization_percent",
			Help: "GPU utilization reported by a backend",
		},
		[]string{"backend_id"},
	)

	groupSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "console_group_subscribers",
		Help: "Open job group WebSocket subscriptions",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordJobStarted records one job entering the runner.
func RecordJobStarted() {
	jobsStarted.Inc()
	jobsRunning.Inc()
}

// RecordJobFinished records one terminal job.
func RecordJobFinished(status string, seconds float64) {
	jobsRunning.Dec()
	jobsFinished.WithLabelValues(status).Inc()
	if seconds > 0 {
		jobDuration.WithLabelValues(status).Observe(seconds)
	}
}

// RecordChildFinished records one terminal job group child.
func RecordChildFinished(status string) {
	groupChildren.WithLabelValues(status).Inc()
}

// RecordPromptSubmission records one prompt submission attempt.
func RecordPromptSubmission(backendID string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	promptSubmissions.WithLabelValues(backendID, status).Inc()
}

// RecordBackendStatus mirrors a backend's observed status into gauges.
func RecordBackendStatus(backendID string, online bool, queueDepth int, gpuUtil float64) {
	v := 0.0
	if online {
		v = 1
	}
	backendOnline.WithLabelValues(backendID).Set(v)
	backendQueueDepth.WithLabelValues(backendID).Set(float64(queueDepth))
	backendGPUUtil.WithLabelValues(backendID).Set(gpuUtil)
}

// ForgetBackend drops a removed backend's gauge series.
func ForgetBackend(backendID string) {
	backendOnline.DeleteLabelValues(backendID)
	backendQueueDepth.DeleteLabelValues(backendID)
	backendGPUUtil.DeleteLabelValues(backendID)
}

// GroupSubscriberConnected tracks one new group event subscription.
func GroupSubscriberConnected() {
	groupSubscribers.Inc()
}

// GroupSubscriberDisconnected tracks the end of a group subscription.
func GroupSubscriberDisconnected() {
	groupSubscribers.Dec()
}
