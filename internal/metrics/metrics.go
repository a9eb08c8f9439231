package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Broker metrics
var (
	PurchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "losocloud_purchases_total",
			Help: "Total VPS purchase attempts by outcome",
		},
		[]string{"outcome"},
	)

	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "losocloud_refunds_total",
			Help: "Total refunds issued by ledger entry type",
		},
		[]string{"type"},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "losocloud_provision_duration_seconds",
			Help:    "Time from debit commit to a provisioned session",
			Buckets: []float64{0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0},
		},
	)

	FailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "losocloud_worker_failovers_total",
			Help: "Total worker reassignments during provisioning",
		},
	)

	SessionsCleanedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "losocloud_sessions_cleaned_total",
			Help: "Total stale sessions force-stopped by the janitor",
		},
	)

	WorkerProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "losocloud_worker_probes_total",
			Help: "Total worker capacity probes by result",
		},
		[]string{"result"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "losocloud_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "losocloud_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"method", "path"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "losocloud_auth_attempts_total",
			Help: "Total auth attempts",
		},
		[]string{"type", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		PurchasesTotal,
		RefundsTotal,
		ProvisionDuration,
		FailoversTotal,
		SessionsCleanedTotal,
		WorkerProbesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthAttemptsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			HTTPRequestDuration.WithLabelValues(
				c.Request().Method,
				c.Path(),
			).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
