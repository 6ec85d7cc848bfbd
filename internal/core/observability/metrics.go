package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	storeLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geosync_store_latency_seconds",
			Help:    "Latency of spatial store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"op", "outcome"},
	)

	uploadFeatures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geosync_upload_features_total",
			Help: "Uploaded features by per-feature outcome.",
		},
		[]string{"status"},
	)

	fetchFeatures = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geosync_fetch_features",
			Help:    "Number of features returned per extent query.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	admissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geosync_admission_rejections_total",
			Help: "Extent queries rejected before reaching the store.",
		},
		[]string{"reason"},
	)

	authEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geosync_auth_events_total",
			Help: "Authentication events by kind and outcome.",
		},
		[]string{"event", "outcome"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Extent cache results by outcome.",
		},
		[]string{"outcome"},
	)

	redisOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Duration of Redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "outcome"},
	)

	changeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geosync_change_events_total",
			Help: "Change events handed to the publisher by outcome.",
		},
		[]string{"outcome"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geosync_build_info",
			Help: "Build and store driver of the running geosync server (value is always 1).",
		},
		[]string{"version", "store"},
	)
)

// Collectors returns the application collectors so a dedicated registry can
// expose them next to the runtime collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, storeLatencySeconds,
		uploadFeatures, fetchFeatures, admissionRejections, authEvents,
		cacheResults, redisOpDurationSeconds, changeEvents, buildInfo,
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveStore(op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	storeLatencySeconds.WithLabelValues(op, outcome).Observe(durationSeconds)
}

func IncUpload(status string, n int) {
	if n <= 0 {
		return
	}
	uploadFeatures.WithLabelValues(status).Add(float64(n))
}

func ObserveFetch(features int) { fetchFeatures.Observe(float64(features)) }

func IncAdmissionRejected(reason string) {
	admissionRejections.WithLabelValues(reason).Inc()
}

func IncAuth(event string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "fail"
	}
	authEvents.WithLabelValues(event, outcome).Inc()
}

func IncCacheHit()   { cacheResults.WithLabelValues("hit").Inc() }
func IncCacheMiss()  { cacheResults.WithLabelValues("miss").Inc() }
func IncCacheError() { cacheResults.WithLabelValues("error").Inc() }

func ObserveRedisOp(op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	redisOpDurationSeconds.WithLabelValues(op, outcome).Observe(durationSeconds)
}

func IncChangeEvent(outcome string) { changeEvents.WithLabelValues(outcome).Inc() }

func ExposeBuildInfo(version, store string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, store).Set(1)
}
