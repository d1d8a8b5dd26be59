package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_processed_total",
			Help: "Notifications processed by final status and type",
		},
		[]string{"status", "type"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_latency_seconds",
			Help:    "Time spent handing a notification to its provider",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	dedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dedup_hits_total",
			Help: "Events recognised as duplicates, by where the match was found",
		},
		[]string{"source"},
	)

	lockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_lock_contention_total",
			Help: "Events skipped because another consumer held the lock",
		},
		[]string{"event_type"},
	)

	providerAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_provider_attempts_total",
			Help: "Provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	deadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dead_letters_total",
			Help: "Events written to the dead-letter store",
		},
		[]string{"event_type", "status"},
	)

	outboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_outbox_events_total",
			Help: "Outbox events relayed, by result",
		},
		[]string{"result"},
	)

	outboxBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_outbox_events",
			Help: "Outbox rows by status",
		},
		[]string{"status"},
	)

	messagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_messages_in_flight",
			Help: "Broker messages currently being handled",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"path"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_redis_connections_active",
			Help: "Active Redis connections",
		},
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

// RecordNotificationProcessed records the status a notification ended in.
func RecordNotificationProcessed(status, notifType string) {
	notificationsProcessed.WithLabelValues(status, notifType).Inc()
}

// RecordDeliveryLatency records how long a provider hand-off took, retries included.
func RecordDeliveryLatency(notifType string, latency time.Duration) {
	deliveryLatency.WithLabelValues(notifType).Observe(latency.Seconds())
}

// RecordDedupHit records a duplicate detected via source ("key", "cache" or "window").
func RecordDedupHit(source string) {
	dedupHits.WithLabelValues(source).Inc()
}

func RecordLockContention(eventType string) {
	lockContention.WithLabelValues(eventType).Inc()
}

// RecordProviderAttempt records one provider call. outcome is "success" or a retry class.
func RecordProviderAttempt(provider, outcome string) {
	providerAttempts.WithLabelValues(provider, outcome).Inc()
}

// SetCircuitState publishes a breaker state as 0, 1 or 2.
func SetCircuitState(breaker string, state int) {
	circuitState.WithLabelValues(breaker).Set(float64(state))
}

func RecordDeadLetter(eventType, status string) {
	deadLetters.WithLabelValues(eventType, status).Inc()
}

// RecordOutbox records a relay result ("published" or "failed").
func RecordOutbox(result string, n int) {
	outboxPublished.WithLabelValues(result).Add(float64(n))
}

// SetOutboxBacklog publishes the row count for one outbox status.
func SetOutboxBacklog(status string, n int64) {
	outboxBacklog.WithLabelValues(status).Set(float64(n))
}

func IncMessagesInFlight() {
	messagesInFlight.Inc()
}

func DecMessagesInFlight() {
	messagesInFlight.Dec()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(path string) {
	rateLimitRejections.WithLabelValues(path).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
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

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled with the chi route pattern when one matched, so
// /notifications/{id} is one series rather than one per id.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
