package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "launchpad_fee_collector_build_info",
			Help: "Build information of the launchpad fee collector",
		},
		[]string{"version", "commit", "date"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_fee_collector_runs_total",
			Help: "Total number of collection runs by trigger and status",
		},
		[]string{"trigger", "status"}, // status: "completed", "dropped", "panic"
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "launchpad_fee_collector_run_duration_seconds",
			Help:    "Duration of collection runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34 minutes
		},
	)

	RunInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "launchpad_fee_collector_run_in_flight",
			Help: "1 while a collection run is executing",
		},
	)

	TokensProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_fee_collector_tokens_processed_total",
			Help: "Total number of tokens processed by outcome",
		},
		[]string{"outcome"},
	)

	LegsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_fee_collector_legs_total",
			Help: "Total number of distribution legs by kind and status",
		},
		[]string{"kind", "status"}, // status: "success", "failed", "skipped", "partial"
	)

	LamportsCollectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "launchpad_fee_collector_lamports_collected_total",
			Help: "Total lamports attributed to fee collection via balance deltas",
		},
	)

	LamportsDistributedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_fee_collector_lamports_distributed_total",
			Help: "Total lamports spent by successful distribution legs",
		},
		[]string{"kind"},
	)

	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_fee_collector_rpc_requests_total",
			Help: "Total number of upstream RPC/API requests",
		},
		[]string{"upstream", "method", "status"},
	)

	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "launchpad_fee_collector_rpc_request_duration_seconds",
			Help:    "Duration of upstream RPC/API requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"upstream", "method"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_fee_collector_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "launchpad_fee_collector_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordRPC records metrics for one upstream request.
func RecordRPC(upstream, method string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	RPCRequestsTotal.WithLabelValues(upstream, method, status).Inc()
	RPCRequestDuration.WithLabelValues(upstream, method).Observe(duration.Seconds())
}

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
