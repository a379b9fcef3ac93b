package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

var (
	// Pipeline Metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepguard_runs_total",
			Help: "Total number of verification runs by verdict",
		},
		[]string{"verdict"},
	)

	FailClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepguard_fail_closed_total",
			Help: "Runs that bypassed fusion and were rejected outright",
		},
		[]string{"reason"}, // "media_decode_error", "no_clear_faces_detected", "engine_error", "input_error"
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepguard_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"}, // "metadata", "sampling", "regions", "scoring", "total"
	)

	FramesSampled = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepguard_frames_sampled",
			Help:    "Frames extracted per run",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		},
	)

	FacesLocated = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepguard_faces_located",
			Help:    "Frames with a located face per run",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		},
	)

	FinalScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepguard_final_score",
			Help:    "Distribution of fused final scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// Engine Metrics
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepguard_engine_breaker_state",
			Help: "Inference circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepguard_engine_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"to"},
	)

	// API Metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepguard_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "status"},
	)

	PublishedAssets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepguard_published_assets_total",
			Help: "Approved assets pushed to object storage",
		},
		[]string{"result"}, // "ok", "error"
	)

	// Watcher Metrics
	WatchedFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepguard_watch_files_total",
			Help: "Files picked up from the inbox by verdict",
		},
		[]string{"verdict"},
	)
)

// ObserveStage records how long a stage took since start.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// RecordBreakerState is a gobreaker OnStateChange hook.
func RecordBreakerState(_ string, _, to gobreaker.State) {
	BreakerState.Set(float64(to))
	BreakerTransitions.WithLabelValues(to.String()).Inc()
}

// RecordHTTP counts one served request.
func RecordHTTP(route string, status int) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
