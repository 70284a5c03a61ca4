// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	itemsScrapedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_items_scraped_total",
			Help: "Candidate items produced by scrapers, labeled by source kind and result.",
		},
		[]string{"kind", "result"},
	)

	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_publish_total",
			Help: "Publish attempts, labeled by record kind and outcome.",
		},
		[]string{"record", "outcome"},
	)

	rewriteTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_rewrite_total",
			Help: "Rewrite calls, labeled by model route and outcome.",
		},
		[]string{"route", "outcome"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"limiter"},
	)

	proxyRaceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_proxy_race_total",
			Help: "Proxy race results.",
		},
		[]string{"result"},
	)

	proxyPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_proxy_pool_size",
			Help: "Number of proxies in the most recent refresh.",
		},
	)

	queueDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_queue_deliveries_total",
			Help: "Queue deliveries, labeled by queue and disposition.",
		},
		[]string{"queue", "disposition"},
	)

	activeConsumers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_active_consumers",
			Help: "Number of running consumers per queue.",
		},
		[]string{"queue"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics by route
// pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ObserveHTTPRequest(r.Method, route, status, time.Since(start))
	})
}

// --- HELPER FUNCTIONS ---

// SanitizeSite extracts the hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveScraped records a scraped candidate item.
func ObserveScraped(kind, result string) {
	itemsScrapedTotal.WithLabelValues(kind, result).Inc()
}

// ObservePublish records a publish outcome.
func ObservePublish(record, outcome string) {
	publishTotal.WithLabelValues(record, outcome).Inc()
}

// ObserveRewrite records a generative call result.
func ObserveRewrite(route, outcome string) {
	rewriteTotal.WithLabelValues(route, outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(limiter string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(limiter).Observe(duration.Seconds())
}

// ObserveProxyRace records whether a proxy race found a response.
func ObserveProxyRace(result string) {
	proxyRaceTotal.WithLabelValues(result).Inc()
}

// SetProxyPoolSize records the size of the refreshed proxy pool.
func SetProxyPoolSize(n int) {
	proxyPoolSize.Set(float64(n))
}

// ObserveDelivery records how a queue delivery was settled.
func ObserveDelivery(queue, disposition string) {
	queueDeliveriesTotal.WithLabelValues(queue, disposition).Inc()
}

// IncActiveConsumers increments the running consumer count.
func IncActiveConsumers(queue string) {
	activeConsumers.WithLabelValues(queue).Inc()
}

// DecActiveConsumers decrements the running consumer count.
func DecActiveConsumers(queue string) {
	activeConsumers.WithLabelValues(queue).Dec()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
