// Package metrics provides Prometheus instrumentation for the service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heartline",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "heartline",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TurnsTotal counts chat turns by terminal outcome.
	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heartline",
			Name:      "chat_turns_total",
			Help:      "Chat turns by outcome: accepted, rejected, provider_failed.",
		},
		[]string{"outcome"},
	)

	// RefundsTotal counts compensating credits by result.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heartline",
			Name:      "refunds_total",
			Help:      "Compensating credits by result: refunded, critical.",
		},
		[]string{"result"},
	)

	// CompletionDuration observes provider call latency.
	CompletionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "heartline",
			Name:      "completion_duration_seconds",
			Help:      "Completion provider call duration in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
		},
	)

	// UnresolvedCriticalRefunds tracks refund_failed_critical events
	// not yet reconciled out-of-band.
	UnresolvedCriticalRefunds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "heartline",
			Name:      "unresolved_critical_refunds",
			Help:      "Count of refund_failed_critical audit events awaiting reconciliation.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TurnsTotal,
		RefundsTotal,
		CompletionDuration,
		UnresolvedCriticalRefunds,
	)
}

// Middleware returns a Gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus scrape handler wrapped for gin.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
