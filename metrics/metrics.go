package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

type ShieldAPIMetrics struct {
	PipelineRuns        *prometheus.CounterVec
	PipelineDurationSec *prometheus.SummaryVec
	DetectionsByType    *prometheus.CounterVec
	TracksPerVideo      prometheus.Histogram
	CapturesWritten     prometheus.Counter
	VerdictsByOutcome   *prometheus.CounterVec
	FramesAnonymized    prometheus.Counter
	SubscribersDropped  prometheus.Counter
	DBReconnects        prometheus.Counter

	InferenceClient ClientMetrics
	VisionClient    ClientMetrics
	GraphClient     ClientMetrics
}

func NewMetrics() *ShieldAPIMetrics {
	m := &ShieldAPIMetrics{
		PipelineRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Pipeline phase executions broken up by phase and success",
		}, []string{"phase", "success"}),
		PipelineDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "pipeline_duration_seconds",
			Help: "The time that pipeline phases take to run, broken up by phase and success",
		}, []string{"phase", "success"}),
		DetectionsByType: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "detections_total",
			Help: "Tracked detections broken up by detection type",
		}, []string{"detection_type"}),
		TracksPerVideo: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracks_per_video",
			Help:    "Number of unique tracks produced per processed video",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		CapturesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "captures_written_total",
			Help: "Capture image pairs written to disk",
		}),
		VerdictsByOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "verdicts_total",
			Help: "Per-track consensus verdicts broken up by outcome and severity",
		}, []string{"is_violation", "severity"}),
		FramesAnonymized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "frames_anonymized_total",
			Help: "Frames written by the anonymizer",
		}),
		SubscribersDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "progress_subscribers_dropped_total",
			Help: "Progress subscribers dropped for not consuming events in time",
		}),
		DBReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "db_reconnects_total",
			Help: "Reconnections to the persistence store after a failed liveness check",
		}),

		InferenceClient: newClientMetrics("inference_client"),
		VisionClient:    newClientMetrics("vision_client"),
		GraphClient:     newClientMetrics("graph_client"),
	}
	return m
}

func newClientMetrics(prefix string) ClientMetrics {
	return ClientMetrics{
		RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_retry_count",
			Help: "The number of retries of a successful request",
		}, []string{"host"}),
		FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_failure_count",
			Help: "The total number of failed requests",
		}, []string{"host", "status_code"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_request_duration",
			Help:    "Time taken to complete requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"host"}),
	}
}

// Metrics is the global prometheus registry for the app
var Metrics = NewMetrics()
