package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringlink_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ringlink_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringlink_sessions_total",
		Help: "Session lifecycle transitions by outcome.",
	}, []string{"outcome"}) // started, ended, cancelled, rate_limited

	pushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringlink_pushes_total",
		Help: "Push fan-out results.",
	}, []string{"result"}) // sent, failed
)

// Middleware records request counts and latencies per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		httpRequestsTotal.WithLabelValues(method, route, status).Inc()
		httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func SessionStarted()     { sessionsTotal.WithLabelValues("started").Inc() }
func SessionEnded()       { sessionsTotal.WithLabelValues("ended").Inc() }
func SessionCancelled()   { sessionsTotal.WithLabelValues("cancelled").Inc() }
func SessionRateLimited() { sessionsTotal.WithLabelValues("rate_limited").Inc() }

// PushDispatched records a fan-out of total sends with failed failures.
func PushDispatched(total, failed int) {
	if failed > total {
		failed = total
	}
	pushesTotal.WithLabelValues("sent").Add(float64(total - failed))
	pushesTotal.WithLabelValues("failed").Add(float64(failed))
}
