package constants

import "time"

// 筛选结果状态
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	// StatusRequeued 人工重放已入队、等待重新处理
	StatusRequeued = "requeued"
)

// 消息来源
const (
	SourceWeb            = "web"
	SourceBulk           = "bulk"
	SourceRecommendation = "recommendation"
)

// 消息头
const (
	HeaderRetryCount  = "x-retry-count"
	HeaderDeathReason = "x-death-reason"
	// HeaderDeadLetterExchange 主队列声明参数，broker 拒收的消息转入 DLX
	HeaderDeadLetterExchange   = "x-dead-letter-exchange"
	HeaderDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

// Outbox 状态
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"

	OutboxEventReplay = "screening.replay"
	// OutboxEventRecommendationReplay 推荐来源的人工重放
	OutboxEventRecommendationReplay = "recommendation.replay"
)

const (
	DefaultMaxRetries     = 3
	DefaultRateLimitDelay = 30 * time.Second

	// MaxStoredErrorLength error_message 列保存的最大字符数
	MaxStoredErrorLength = 2000
)
