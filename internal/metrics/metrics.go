package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	checkInsTotal      *prometheus.CounterVec
	sessionTransitions *prometheus.CounterVec
	qrRotationsTotal   *prometheus.CounterVec
	sweepsTotal        *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
)

// Register initialises the collectors on the default registry once.
func Register() {
	registerOnce.Do(func() {
		checkInsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_checkins_total",
			Help: "Check-in attempts by method and result.",
		}, []string{"method", "result"})

		sessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_session_transitions_total",
			Help: "Session lifecycle transitions by target status.",
		}, []string{"status"})

		qrRotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_qr_rotations_total",
			Help: "QR payload rotations by trigger.",
		}, []string{"trigger"})

		sweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_worker_sweeps_total",
			Help: "Worker sweep iterations by kind and outcome.",
		}, []string{"kind", "outcome"})

		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "attendance_http_latency_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"method", "route"})

		prometheus.MustRegister(checkInsTotal, sessionTransitions, qrRotationsTotal, sweepsTotal,
			httpRequestsTotal, httpLatencySeconds)
	})
}

// CheckIns counts check-in attempts.
func CheckIns() *prometheus.CounterVec {
	Register()
	return checkInsTotal
}

// SessionTransitions counts lifecycle changes.
func SessionTransitions() *prometheus.CounterVec {
	Register()
	return sessionTransitions
}

// QRRotations counts payload rotations.
func QRRotations() *prometheus.CounterVec {
	Register()
	return qrRotationsTotal
}

// Sweeps counts worker loop iterations.
func Sweeps() *prometheus.CounterVec {
	Register()
	return sweepsTotal
}

// GinMiddleware records request count and latency per route template.
func GinMiddleware() gin.HandlerFunc {
	Register()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpLatencySeconds.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
