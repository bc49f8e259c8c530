package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_http_requests_total",
			Help: "Total number of HTTP requests processed by the dm service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dm_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dm_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	handleAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_handle_allocations_total",
			Help: "Handle allocation outcomes (ok, collision, exhausted).",
		},
		[]string{"result"},
	)
	contactOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_contact_operations_total",
			Help: "Contact graph operations by outcome.",
		},
		[]string{"op", "result"},
	)
	threadReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_thread_reconciliations_total",
			Help: "Thread fetch-and-reconcile outcomes (applied, stale, failed).",
		},
		[]string{"result"},
	)
	threadReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dm_thread_reconcile_duration_seconds",
			Help:    "Time spent fetching and reconciling a thread.",
			Buckets: prometheus.DefBuckets,
		},
	)
	replyResolutionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_reply_resolution_failures_total",
			Help: "Reply previews left absent because the target could not be resolved.",
		},
	)
	sendsThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_sends_throttled_total",
			Help: "Sends dropped or rejected by the minimum send interval.",
		},
		[]string{"layer"},
	)
	changeNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_change_notifications_total",
			Help: "Message change notifications by source.",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		handleAllocationsTotal,
		contactOperationsTotal,
		threadReconciliationsTotal,
		threadReconcileDuration,
		replyResolutionFailuresTotal,
		sendsThrottledTotal,
		changeNotificationsTotal,
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

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncHandleAllocation(result string) {
	handleAllocationsTotal.WithLabelValues(result).Inc()
}

func IncContactOperation(op, result string) {
	contactOperationsTotal.WithLabelValues(op, result).Inc()
}

func IncReconciliation(result string) {
	threadReconciliationsTotal.WithLabelValues(result).Inc()
}

func ObserveReconcile(d time.Duration) {
	threadReconcileDuration.Observe(d.Seconds())
}

func IncReplyResolutionFailure() {
	replyResolutionFailuresTotal.Inc()
}

func IncSendThrottled(layer string) {
	sendsThrottledTotal.WithLabelValues(layer).Inc()
}

func IncChangeNotification(source string) {
	changeNotificationsTotal.WithLabelValues(source).Inc()
}
