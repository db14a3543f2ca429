package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videovault_http_requests_total",
			Help: "Total number of HTTP requests processed by the API",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "videovault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "videovault_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)
)

// Processing queue metrics
var (
	QueueJobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videovault_queue_jobs_enqueued_total",
			Help: "Total number of processing jobs enqueued by priority",
		},
		[]string{"priority"},
	)

	QueueJobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videovault_queue_jobs_completed_total",
			Help: "Total number of processing jobs that reached a terminal outcome",
		},
		[]string{"outcome"}, // succeeded, failed, stalled_recovered
	)

	QueueJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "videovault_queue_job_duration_seconds",
			Help:    "Time from job consume to terminal outcome, in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "videovault_queue_depth",
			Help: "Number of jobs currently sitting in each queue state",
		},
		[]string{"state"},
	)
)

// Domain metrics
var (
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videovault_uploads_total",
			Help: "Total number of video upload attempts by outcome",
		},
		[]string{"outcome"},
	)

	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videovault_auth_attempts_total",
			Help: "Total number of authentication attempts by outcome",
		},
		[]string{"outcome"},
	)

	RealtimeConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "videovault_realtime_connections_active",
			Help: "Number of open realtime websocket connections",
		},
	)
)

// Build info
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "videovault_app_info",
			Help: "Build information for the running binary",
		},
		[]string{"version", "go_version"},
	)
)

// SetAppInfo pins the app info gauge to 1 for the running binary's version,
// so it can be joined against other series in PromQL.
func SetAppInfo(version, goVersion string) {
	AppInfo.WithLabelValues(version, goVersion).Set(1)
}

// normalizePath collapses path segments that look like resource identifiers
// (UUIDs, numeric ids) into ":id" so the http_requests_total cardinality
// stays bounded regardless of how many distinct videos or users are served.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}
