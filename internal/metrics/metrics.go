package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushrelay_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushrelay_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	intentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushrelay_intents_created_total",
			Help: "Outbox intents written, by event type",
		},
		[]string{"event_type"},
	)

	intentsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushrelay_intents_published_total",
			Help: "Poll outcomes per intent: published, retry_scheduled or marked_failed",
		},
		[]string{"outcome"},
	)

	outboxIntents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushrelay_outbox_intents",
			Help: "Current outbox rows by status",
		},
		[]string{"status"},
	)

	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushrelay_events_processed_total",
			Help: "Consumer results per stream entry",
		},
		[]string{"result", "event_type"},
	)

	pushLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushrelay_push_latency_seconds",
			Help:    "Time from intent creation to delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"transport"},
	)

	entriesClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushrelay_entries_claimed_total",
			Help: "Stream entries claimed from dead consumers",
		},
	)

	streamLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushrelay_stream_length",
			Help: "Current length of the delivery stream",
		},
	)

	dlqLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushrelay_dlq_length",
			Help: "Current length of the dead letter stream",
		},
	)

	streamTrimmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushrelay_stream_trimmed_total",
			Help: "Entries evicted from the delivery stream by retention",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushrelay_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"client"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordIntentCreated records an outbox intent write
func RecordIntentCreated(eventType string) {
	intentsCreated.WithLabelValues(eventType).Inc()
}

// RecordIntentPublished records the outcome of publishing one intent
func RecordIntentPublished(outcome string) {
	intentsPublished.WithLabelValues(outcome).Inc()
}

// SetOutboxIntents sets the current row count for an outbox status
func SetOutboxIntents(status string, count int64) {
	outboxIntents.WithLabelValues(status).Set(float64(count))
}

// RecordEventProcessed records a consumer result for one entry
func RecordEventProcessed(result, eventType string) {
	eventsProcessed.WithLabelValues(result, eventType).Inc()
}

// RecordPushLatency records end-to-end delivery time
func RecordPushLatency(transport string, latency time.Duration) {
	pushLatency.WithLabelValues(transport).Observe(latency.Seconds())
}

// RecordEntriesClaimed records entries taken over from a dead consumer
func RecordEntriesClaimed(count int) {
	entriesClaimed.Add(float64(count))
}

// SetStreamLength sets the delivery stream length gauge
func SetStreamLength(length int64) {
	streamLength.Set(float64(length))
}

// SetDLQLength sets the dead letter stream length gauge
func SetDLQLength(length int64) {
	dlqLength.Set(float64(length))
}

// RecordStreamTrimmed records entries evicted by retention
func RecordStreamTrimmed(count int64) {
	streamTrimmed.Add(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(client string) {
	rateLimitRejections.WithLabelValues(client).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
