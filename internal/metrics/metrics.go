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
			Name: "stakepool_build_info",
			Help: "Build information of the stakepool service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakepool_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stakepool_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stakepool_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Custody engine metrics
	ChallengesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakepool_challenges_created_total",
			Help: "Total number of challenges created",
		},
	)

	JoinsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakepool_joins_total",
			Help: "Total number of successful challenge joins",
		},
	)

	DistributionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakepool_distributions_total",
			Help: "Total number of completed reward distributions",
		},
	)

	EscrowDepositedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakepool_escrow_deposited_total",
			Help: "Total value deposited into escrow accounts",
		},
	)

	EscrowPaidOutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakepool_escrow_paid_out_total",
			Help: "Total value paid out of escrow accounts",
		},
	)

	SweeperEndedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakepool_sweeper_ended_total",
			Help: "Total number of challenges ended by the sweeper",
		},
	)

	SweeperErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakepool_sweeper_errors_total",
			Help: "Total number of sweeper errors",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}
