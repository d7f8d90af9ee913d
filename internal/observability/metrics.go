package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careline_http_requests_total",
			Help: "Total number of HTTP requests processed by the daemon.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "careline_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careline_messages_sent_total",
			Help: "Total number of messages persisted, by message type.",
		},
		[]string{"message_type"},
	)
	moderationRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "careline_moderation_rejections_total",
			Help: "Total number of messages rejected by the moderation gate.",
		},
	)
	decryptFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "careline_decrypt_failures_total",
			Help: "Total number of message bodies that failed to decrypt.",
		},
	)
	offlineQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "careline_offline_queue_depth",
			Help: "Number of messages currently buffered in the offline queue.",
		},
	)
	queueTerminalFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "careline_queue_terminal_failures_total",
			Help: "Total number of queued messages dropped after exhausting retries.",
		},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "careline_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careline_ws_events_total",
			Help: "Total number of websocket events delivered.",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		messagesSentTotal,
		moderationRejectionsTotal,
		decryptFailuresTotal,
		offlineQueueDepth,
		queueTerminalFailuresTotal,
		wsActiveConnections,
		wsEventsTotal,
	)
}

// HTTPMetricsMiddleware records request counts and latencies per route.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler serves the prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// IncMessageSent records a persisted message.
func IncMessageSent(messageType string) {
	messagesSentTotal.WithLabelValues(messageType).Inc()
}

// IncModerationRejection records a blocked message.
func IncModerationRejection() {
	moderationRejectionsTotal.Inc()
}

// IncDecryptFailure records a message body that failed to decrypt.
func IncDecryptFailure() {
	decryptFailuresTotal.Inc()
}

// SetQueueDepth records the current offline queue depth.
func SetQueueDepth(n int) {
	offlineQueueDepth.Set(float64(n))
}

// IncQueueTerminalFailure records a queued message dropped after retries.
func IncQueueTerminalFailure() {
	queueTerminalFailuresTotal.Inc()
}

// IncWSConnections adjusts the active websocket connection gauge.
func IncWSConnections(delta int) {
	wsActiveConnections.Add(float64(delta))
}

// IncWSEvent records a websocket event delivery.
func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}
