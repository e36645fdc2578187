package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsByStatusTotal counts jobs reaching each status, labeled by the
	// provider that handled them.
	JobsByStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_by_status_total", Help: "Total jobs transitioned into each status"},
		[]string{"status", "provider"},
	)
	// RetriesTotal counts worker/callback retry decisions.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "job_retries_total", Help: "Total retry transitions"},
		[]string{"provider"},
	)
	// DLQEntriesTotal counts dead-letter entries filed.
	DLQEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dlq_entries_total", Help: "Total dead-letter entries filed"},
		[]string{"provider", "error_code"},
	)
	// WebhookGuardTripsTotal counts each guard outcome in the callback
	// receiver: signature_invalid, unknown_job,
	// cancelled_job_response, late_success_ignored, late_failure_response,
	// stale_response, duplicate_webhook, processing_error.
	WebhookGuardTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_guard_trips_total", Help: "Total callback guard trips by event type"},
		[]string{"event"},
	)
	// ProviderCallsTotal counts Provider Gateway calls by provider, kind
	// (sync/submit/fetch), and outcome.
	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_calls_total", Help: "Total provider gateway calls"},
		[]string{"provider", "kind", "outcome"},
	)
	// ProviderCallDuration records provider call latency.
	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Provider gateway call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "kind"},
	)
	// ProviderTokensTotal sums estimated tokens per provider/direction,
	// diagnostic only (no cost accounting per the Non-goals).
	ProviderTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_tokens_total", Help: "Estimated tokens processed, diagnostic only"},
		[]string{"provider", "direction"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsByStatusTotal,
		RetriesTotal,
		DLQEntriesTotal,
		WebhookGuardTripsTotal,
		ProviderCallsTotal,
		ProviderCallDuration,
		ProviderTokensTotal,
	)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// RecordJobStatus increments the per-status/provider job counter.
func RecordJobStatus(status, provider string) {
	JobsByStatusTotal.WithLabelValues(status, provider).Inc()
}

// RecordRetry increments the retry counter for provider.
func RecordRetry(provider string) {
	RetriesTotal.WithLabelValues(provider).Inc()
}

// RecordDLQEntry increments the DLQ counter for provider/error_code.
func RecordDLQEntry(provider, errorCode string) {
	DLQEntriesTotal.WithLabelValues(provider, errorCode).Inc()
}

// RecordWebhookGuardTrip increments the guard-trip counter for event.
func RecordWebhookGuardTrip(event string) {
	WebhookGuardTripsTotal.WithLabelValues(event).Inc()
}

// RecordProviderCall increments the call counter and observes latency.
func RecordProviderCall(provider, kind, outcome string, dur time.Duration) {
	ProviderCallsTotal.WithLabelValues(provider, kind, outcome).Inc()
	ProviderCallDuration.WithLabelValues(provider, kind).Observe(dur.Seconds())
}

// RecordProviderTokens adds to the diagnostic token counter.
func RecordProviderTokens(provider, direction string, n int) {
	ProviderTokensTotal.WithLabelValues(provider, direction).Add(float64(n))
}
