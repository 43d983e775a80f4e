package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 消息处理结果
const (
	OutcomeCompleted        = "completed"
	OutcomeDiscarded        = "discarded"
	OutcomeFailed           = "failed"
	OutcomeRetried          = "retried"
	OutcomeDeadLettered     = "dead_lettered"
	OutcomeRequeuedByBroker = "requeued_by_broker"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "screener",
			Subsystem: "dispatcher",
			Name:      "messages_total",
			Help:      "按处理结果统计的消息数。",
		},
		[]string{"source", "outcome"},
	)

	processingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "screener",
			Subsystem: "dispatcher",
			Name:      "processing_duration_seconds",
			Help:      "单条消息从收到到确认的耗时（秒），包含限流延迟。",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 45, 60, 120, 300},
		},
		[]string{"source", "outcome"},
	)

	messagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "screener",
			Subsystem: "dispatcher",
			Name:      "in_flight_messages",
			Help:      "已占用工作槽、尚未确认的消息数。",
		},
	)

	subScorerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "screener",
			Subsystem: "scorer",
			Name:      "failures_total",
			Help:      "子评分失败次数，关键词和向量失败时按 0 分降级。",
		},
		[]string{"scorer"},
	)

	outboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "screener",
			Subsystem: "outbox",
			Name:      "messages_total",
			Help:      "Outbox 中继的发布结果。",
		},
		[]string{"result"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "screener",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP 请求耗时分布（秒）。",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// ObserveMessage 记录一条消息的最终去向和耗时
func ObserveMessage(source, outcome string, elapsed time.Duration) {
	if source == "" {
		source = "unknown"
	}
	messagesTotal.WithLabelValues(source, outcome).Inc()
	processingDuration.WithLabelValues(source, outcome).Observe(elapsed.Seconds())
}

// InFlightInc 占用工作槽
func InFlightInc() { messagesInFlight.Inc() }

// InFlightDec 释放工作槽
func InFlightDec() { messagesInFlight.Dec() }

// SubScorerFailed 子评分失败
func SubScorerFailed(scorer string) {
	subScorerFailures.WithLabelValues(scorer).Inc()
}

// OutboxResult 记录 outbox 发布结果：sent、retry、failed
func OutboxResult(result string) {
	outboxPublished.WithLabelValues(result).Inc()
}

// HertzMiddleware 记录 HTTP 请求耗时
func HertzMiddleware() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)

		path := c.FullPath()
		if path == "" {
			path = string(c.Path())
		}
		requestDuration.WithLabelValues(
			string(c.Method()),
			path,
			strconv.Itoa(c.Response.StatusCode()),
		).Observe(time.Since(start).Seconds())
	}
}

// Handler Prometheus 拉取接口
func Handler() http.Handler {
	return promhttp.Handler()
}
