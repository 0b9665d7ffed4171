package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livehub",
		Name:      "tasks_processed_total",
		Help:      "Total number of queued tasks finished, by kind and terminal status",
	}, []string{"kind", "status"})

	ImagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livehub",
		Name:      "images_processed_total",
		Help:      "Total number of images processed, by resulting status",
	}, []string{"status"})

	FacesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livehub",
		Name:      "faces_detected_total",
		Help:      "Total number of faces detected in processed images",
	})

	FacesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livehub",
		Name:      "faces_matched_total",
		Help:      "Total number of faces assigned to a user",
	}, []string{"source"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "livehub",
		Name:      "stage_duration_seconds",
		Help:      "Duration of processing stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"stage"})

	PendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "livehub",
		Name:      "pending_tasks",
		Help:      "Number of tasks waiting to be claimed",
	})

	AwaitingImages = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "livehub",
		Name:      "awaiting_images",
		Help:      "Number of images waiting to be processed",
	})

	WorkerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livehub",
		Name:      "worker_poll_errors_total",
		Help:      "Store errors observed by the worker loop outside a unit of work",
	}, []string{"op"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "livehub",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// Match sources for FacesMatched.
const (
	SourcePipeline = "pipeline"
	SourceBackfill = "backfill"
	SourceOverride = "override"
)
