package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	activeRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_requests",
			Help: "Number of in-flight HTTP requests",
		},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_total",
			Help: "Total upstream dispatch attempts by terminal status",
		},
		[]string{"model", "endpoint_type", "status"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_dispatch_duration_seconds",
			Help:    "Upstream dispatch latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"model", "endpoint_type"},
	)

	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens accounted by direction",
		},
		[]string{"model", "direction"},
	)

	admissionRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_admission_rejects_total",
			Help: "Requests rejected before dispatch, by error kind",
		},
		[]string{"kind"},
	)

	endpointHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_endpoint_healthy",
			Help: "Endpoint health (1 healthy, 0.5 degraded, 0 down)",
		},
		[]string{"model", "endpoint"},
	)
)

// Metrics records request counters and latency histograms per chi route.
func Metrics(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			activeRequests.Inc()
			defer activeRequests.Dec()

			wrapped := NewStreamingResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			route := routePattern(r)
			status := strconv.Itoa(wrapped.StatusCode())
			duration := time.Since(start).Seconds()
			httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(duration)

			if duration > 300 {
				logger.Warn("slow request",
					zap.String("path", r.URL.Path),
					zap.Float64("duration_s", duration))
			}
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func RecordDispatch(model, endpointType, status string, duration time.Duration) {
	dispatchTotal.WithLabelValues(model, endpointType, status).Inc()
	dispatchDuration.WithLabelValues(model, endpointType).Observe(duration.Seconds())
}

func RecordTokens(model string, input, output int) {
	tokensTotal.WithLabelValues(model, "input").Add(float64(input))
	tokensTotal.WithLabelValues(model, "output").Add(float64(output))
}

func RecordAdmissionReject(kind string) {
	admissionRejects.WithLabelValues(kind).Inc()
}

func SetEndpointHealth(model, endpoint string, value float64) {
	endpointHealth.WithLabelValues(model, endpoint).Set(value)
}
