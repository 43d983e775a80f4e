package outbox // 发件箱模式的消息中继

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/metrics"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/storage/models"
	"ai-screener-go/internal/tracing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPollingInterval = 5 * time.Second // 默认轮询间隔
	defaultBatchSize       = 10              // 每次轮询处理的消息数
	maxRetryCount          = 5               // 发布失败达到该次数后标记为 FAILED
)

// Publisher 消息发布，storage.RabbitMQ 实现该接口
type Publisher interface {
	Publish(ctx context.Context, msg storage.Message) error
}

// FailedHandler 消息被标记为 FAILED 时在同一事务内调用
type FailedHandler func(ctx context.Context, tx *gorm.DB, msg *models.OutboxMessage) error

// MessageRelay 轮询 outbox 表并将消息发布到 RabbitMQ
type MessageRelay struct {
	db              *gorm.DB
	publisher       Publisher
	onFailed        FailedHandler
	log             zerolog.Logger
	pollingInterval time.Duration
	batchSize       int
	tracer          trace.Tracer

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option 中继选项
type Option func(*MessageRelay)

// WithPollingInterval 设置轮询间隔
func WithPollingInterval(d time.Duration) Option {
	return func(r *MessageRelay) {
		if d > 0 {
			r.pollingInterval = d
		}
	}
}

// WithBatchSize 设置批量大小
func WithBatchSize(n int) Option {
	return func(r *MessageRelay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithFailedHandler 设置最终投递失败时的回调
func WithFailedHandler(fn FailedHandler) Option {
	return func(r *MessageRelay) {
		r.onFailed = fn
	}
}

// NewMessageRelay 创建中继
func NewMessageRelay(db *gorm.DB, publisher Publisher, opts ...Option) *MessageRelay {
	r := &MessageRelay{
		db:              db,
		publisher:       publisher,
		log:             logger.Named("outbox_relay"),
		pollingInterval: defaultPollingInterval,
		batchSize:       defaultBatchSize,
		tracer:          otel.Tracer("ai-screener-go/outbox"),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start 在后台开始轮询
func (r *MessageRelay) Start(ctx context.Context) {
	r.log.Info().Dur("interval", r.pollingInterval).Msg("MessageRelay 启动")
	ticker := time.NewTicker(r.pollingInterval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-ticker.C:
				if _, err := r.ProcessPending(ctx); err != nil {
					r.log.Error().Err(err).Msg("处理待发布消息失败")
				}
			}
		}
	}()
}

// Stop 停止轮询并等待当前批次结束
func (r *MessageRelay) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
	r.log.Info().Msg("MessageRelay 已停止")
}

// ProcessPending 锁定一批 PENDING 消息并逐条发布，返回处理的条数
func (r *MessageRelay) ProcessPending(ctx context.Context) (int, error) {
	var messages []models.OutboxMessage

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, tx.Error
	}
	defer tx.Rollback()

	// SKIP LOCKED 让多个实例并行轮询时互不阻塞
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", constants.OutboxStatusPending).
		Order("created_at asc").
		Limit(r.batchSize).
		Find(&messages).Error
	if err != nil {
		return 0, fmt.Errorf("查询待发布消息失败: %w", err)
	}

	// 空轮询不创建 span
	if len(messages) == 0 {
		return 0, tx.Commit().Error
	}

	ctx, span := r.tracer.Start(ctx, "outbox.ProcessBatch",
		trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(messages))),
	)
	defer span.End()

	for i := range messages {
		msg := &messages[i]
		pubErr := r.publisher.Publish(ctx, storage.Message{
			Exchange:   msg.TargetExchange,
			RoutingKey: msg.TargetRoutingKey,
			Body:       []byte(msg.Payload),
			Headers:    decodeHeaders(msg.Headers),
			Persistent: true,
		})

		updates := map[string]interface{}{}
		failed := false
		if pubErr != nil {
			tracing.RecordRabbitMQPublishFailure(span, pubErr, msg.TargetRoutingKey, msg.RetryCount+1)
			msg.RetryCount++
			msg.ErrorMessage = tracing.TruncateString(pubErr.Error(), constants.MaxStoredErrorLength)
			updates["retry_count"] = msg.RetryCount
			updates["error_message"] = msg.ErrorMessage
			if msg.RetryCount >= maxRetryCount {
				failed = true
				updates["status"] = constants.OutboxStatusFailed
				metrics.OutboxResult("failed")
			} else {
				metrics.OutboxResult("retry")
			}
			r.log.Warn().Err(pubErr).
				Uint64("outbox_id", msg.ID).
				Str("application_id", msg.AggregateID).
				Int("retry_count", msg.RetryCount).
				Msg("发布 outbox 消息失败")
		} else {
			now := time.Now()
			updates["status"] = constants.OutboxStatusSent
			updates["processed_at"] = now
			updates["error_message"] = ""
			metrics.OutboxResult("sent")
		}

		// 更新失败时整批回滚，下次轮询重新拾取
		if err := tx.Model(&models.OutboxMessage{}).Where("id = ?", msg.ID).Updates(updates).Error; err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeDB)
			return 0, fmt.Errorf("更新 outbox 消息 %d 失败: %w", msg.ID, err)
		}
		if failed && r.onFailed != nil {
			if err := r.onFailed(ctx, tx, msg); err != nil {
				tracing.RecordError(span, err, tracing.ErrorTypeDB)
				return 0, fmt.Errorf("处理失败的 outbox 消息 %d 出错: %w", msg.ID, err)
			}
		}
	}

	if err := tx.Commit().Error; err != nil {
		return 0, err
	}
	r.log.Info().Int("count", len(messages)).Msg("outbox 批次处理完成")
	return len(messages), nil
}

// decodeHeaders JSON 数字解码为 float64，整数值转回 int32 以便 AMQP 表编码
func decodeHeaders(raw []byte) amqp.Table {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	table := make(amqp.Table, len(m))
	for k, v := range m {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) <= math.MaxInt32 {
			table[k] = int32(f)
			continue
		}
		table[k] = v
	}
	return table
}
