package observ

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaychat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaychat_ws_active_connections",
			Help: "Number of registered websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_ws_events_total",
			Help: "Websocket lifecycle and frame events.",
		},
		[]string{"event"},
	)
	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_messages_sent_total",
			Help: "Messages accepted by the dispatcher, by chat type.",
		},
		[]string{"chat_type"},
	)
	fanoutFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_fanout_frames_total",
			Help: "Frames queued to live connections, by frame type.",
		},
		[]string{"type"},
	)
	droppedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaychat_dropped_frames_total",
			Help: "Frames that could not be queued because the connection was closed or slow.",
		},
	)
	notifyErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaychat_notify_errors_total",
			Help: "Offline notifications that failed to publish.",
		},
	)
	presenceDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaychat_presence_events_dropped_total",
			Help: "Presence events dropped because the dispatcher fell behind.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		messagesSentTotal,
		fanoutFramesTotal,
		droppedFramesTotal,
		notifyErrorsTotal,
		presenceDroppedTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() { wsActiveConnections.Inc() }

func DecWSActive() { wsActiveConnections.Dec() }

func IncWSEvent(event string) { wsEventsTotal.WithLabelValues(event).Inc() }

func IncMessageSent(chatType string) { messagesSentTotal.WithLabelValues(chatType).Inc() }

func IncFanoutFrame(frameType string) { fanoutFramesTotal.WithLabelValues(frameType).Inc() }

func IncDroppedFrame() { droppedFramesTotal.Inc() }

func IncNotifyError() { notifyErrorsTotal.Inc() }

func IncPresenceDropped() { presenceDroppedTotal.Inc() }
