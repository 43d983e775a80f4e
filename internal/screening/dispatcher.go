package screening

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/metrics"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/tracing"
	"ai-screener-go/internal/types"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var dispatcherTracer = otel.Tracer("ai-screener-go/screening")

// JobProcessor 打分并保存，失败时可记录失败状态。*Pipeline 实现该接口。
type JobProcessor interface {
	Process(ctx context.Context, job types.ScreeningJob) (*Outcome, error)
	RecordFailure(ctx context.Context, job types.ScreeningJob, body []byte, cause error) error
}

// Dispatcher 消费筛选队列。每条消息在结果确定之后才确认。
type Dispatcher struct {
	source    DeliverySource
	publisher Publisher
	processor JobProcessor
	settings  DispatcherSettings

	slots chan struct{}
	wg    sync.WaitGroup
	sleep func(ctx context.Context, d time.Duration) error
	log   zerolog.Logger
}

// NewDispatcher 创建消费者
func NewDispatcher(source DeliverySource, publisher Publisher, processor JobProcessor, settings DispatcherSettings, opts ...DispatcherOption) (*Dispatcher, error) {
	if source == nil || publisher == nil || processor == nil {
		return nil, fmt.Errorf("投递来源、发布者和处理器不能为空")
	}
	if settings.Queue == "" {
		return nil, fmt.Errorf("队列名不能为空")
	}
	settings.applyDefaults()

	d := &Dispatcher{
		source:    source,
		publisher: publisher,
		processor: processor,
		settings:  settings,
		slots:     make(chan struct{}, settings.Workers),
		sleep:     sleepContext,
		log:       logger.Named("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run 消费直到 ctx 取消或投递通道关闭。返回前等待已分发的消息处理完毕，
// 之后才关闭消费通道，保证这些消息仍能确认。
func (d *Dispatcher) Run(ctx context.Context) error {
	consumeCtx, stopConsume := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsume()

	deliveries, err := d.source.Consume(consumeCtx, d.settings.Queue, d.settings.Prefetch)
	if err != nil {
		return fmt.Errorf("启动消费失败: %w", err)
	}

	d.log.Info().
		Str("queue", d.settings.Queue).
		Int("workers", d.settings.Workers).
		Int("max_retries", d.settings.MaxRetries).
		Dur("rate_limit_delay", d.settings.RateLimitDelay).
		Msg("开始消费筛选队列")

	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("收到停止信号，等待处理中的消息完成")
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("投递通道已关闭")
			}
			select {
			case d.slots <- struct{}{}:
			case <-ctx.Done():
				if err := delivery.Nack(false, true); err != nil {
					d.log.Warn().Err(err).Msg("停止时退回消息失败")
				}
				return nil
			}
			d.wg.Add(1)
			go func(delivery amqp.Delivery) {
				defer d.wg.Done()
				defer func() { <-d.slots }()
				d.Handle(ctx, delivery)
			}(delivery)
		}
	}
}

// Handle 处理单条投递，所有分支都以 Ack、重新投递或 Nack 结束
func (d *Dispatcher) Handle(ctx context.Context, delivery amqp.Delivery) {
	start := time.Now()
	metrics.InFlightInc()
	defer metrics.InFlightDec()

	retryCount := storage.RetryCount(delivery.Headers, constants.HeaderRetryCount)
	ctx, span := dispatcherTracer.Start(ctx, "screening.Handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", d.settings.Queue),
			attribute.String("messaging.message_id", delivery.MessageId),
			attribute.Int("retry_count", retryCount),
		),
	)
	defer span.End()

	source, outcome := d.handle(ctx, span, delivery, retryCount)
	span.SetAttributes(attribute.String("outcome", outcome))
	metrics.ObserveMessage(source, outcome, time.Since(start))
}

func (d *Dispatcher) handle(ctx context.Context, span trace.Span, delivery amqp.Delivery, retryCount int) (source, outcome string) {
	log := d.log.With().Int("retry_count", retryCount).Str("message_id", delivery.MessageId).Logger()

	job, err := Decode(delivery.Body)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		log.Warn().Err(err).Str("outcome", metrics.OutcomeDiscarded).Msg("消息格式错误，丢弃")
		d.ack(log, delivery)
		return "", metrics.OutcomeDiscarded
	}

	f := job.Fields()
	source = string(job.Source())
	span.SetAttributes(
		attribute.String("application_id", f.ApplicationID),
		attribute.String("source", source),
	)
	log = log.With().Str("application_id", f.ApplicationID).Str("source", source).Logger()
	ctx = log.WithContext(ctx)

	if err := d.sleep(ctx, d.settings.RateLimitDelay); err != nil {
		log.Info().Str("outcome", metrics.OutcomeRequeuedByBroker).Msg("等待限流延迟时停止，消息退回队列")
		d.nack(log, delivery)
		return source, metrics.OutcomeRequeuedByBroker
	}

	// 打分一旦开始就运行到结束，停止信号只在限流等待期间生效
	workCtx := context.WithoutCancel(ctx)
	if d.settings.ScoringTimeout > 0 {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithTimeout(workCtx, d.settings.ScoringTimeout)
		defer cancel()
	}

	err = d.process(workCtx, job)
	if err == nil {
		log.Info().Str("outcome", metrics.OutcomeCompleted).Msg("筛选完成")
		d.ack(log, delivery)
		return source, metrics.OutcomeCompleted
	}

	switch Classify(err) {
	case KindMalformed:
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		log.Warn().Err(err).Str("outcome", metrics.OutcomeDiscarded).Msg("输入数据错误，丢弃")
		d.ack(log, delivery)
		return source, metrics.OutcomeDiscarded

	case KindAIOutput:
		tracing.RecordError(span, err, tracing.ErrorTypeAIOutput)
		if recErr := d.processor.RecordFailure(workCtx, job, delivery.Body, err); recErr != nil {
			log.Error().Err(recErr).Msg("保存失败状态出错，按临时故障重试")
			return source, d.retryOrDeadLetter(workCtx, log, delivery, job, retryCount, recErr)
		}
		log.Error().Err(err).Str("outcome", metrics.OutcomeFailed).Msg("模型输出无效，已记为失败，等待人工重放")
		d.ack(log, delivery)
		return source, metrics.OutcomeFailed
	}

	tracing.RecordError(span, err, tracing.ErrorTypeExternal)
	return source, d.retryOrDeadLetter(workCtx, log, delivery, job, retryCount, err)
}

// process 调用处理器并把 panic 转为临时故障
func (d *Dispatcher) process(ctx context.Context, job types.ScreeningJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Ctx(ctx).Error().Str("stack", string(debug.Stack())).Interface("panic", r).Msg("处理消息时发生panic")
			err = newError(job.Fields().ApplicationID, "process", KindTransient, fmt.Errorf("处理消息时发生panic: %v", r))
			tracing.RecordError(trace.SpanFromContext(ctx), err, tracing.ErrorTypeInternal)
		}
	}()
	_, err = d.processor.Process(ctx, job)
	return err
}

// retryOrDeadLetter 未达上限时带 retry+1 重新投递原消息体，达到上限时记失败并转入死信队列
func (d *Dispatcher) retryOrDeadLetter(ctx context.Context, log zerolog.Logger, delivery amqp.Delivery, job types.ScreeningJob, retryCount int, cause error) string {
	if retryCount < d.settings.MaxRetries {
		headers := storage.CloneHeaders(delivery.Headers)
		headers[constants.HeaderRetryCount] = int32(retryCount + 1)
		err := d.publisher.Publish(ctx, storage.Message{
			RoutingKey: d.settings.Queue,
			Body:       delivery.Body,
			Headers:    headers,
			MessageID:  delivery.MessageId,
			Persistent: true,
		})
		if err != nil {
			tracing.RecordRabbitMQPublishFailure(trace.SpanFromContext(ctx), err, d.settings.Queue, retryCount+1)
			log.Error().Err(err).AnErr("cause", cause).Str("outcome", metrics.OutcomeRequeuedByBroker).Msg("重新投递失败，退回原消息")
			d.nack(log, delivery)
			return metrics.OutcomeRequeuedByBroker
		}
		log.Warn().Err(cause).Int("next_retry", retryCount+1).Str("outcome", metrics.OutcomeRetried).Msg("临时故障，已重新投递")
		d.ack(log, delivery)
		return metrics.OutcomeRetried
	}

	finalErr := fmt.Errorf("重试%d次后永久失败: %w", retryCount, cause)
	recErr := d.processor.RecordFailure(ctx, job, delivery.Body, finalErr)
	if recErr != nil {
		log.Error().Err(recErr).Msg("保存永久失败状态出错")
	}
	dlqErr := d.publishDeadLetter(ctx, delivery, retryCount, finalErr)
	if dlqErr != nil {
		log.Error().Err(dlqErr).Msg("投递死信队列失败")
	}

	// 数据库和死信队列都没有记录时退回消息，避免丢失
	if recErr != nil && dlqErr != nil {
		log.Error().Err(errors.Join(recErr, dlqErr)).Str("outcome", metrics.OutcomeRequeuedByBroker).Msg("永久失败无法记录，退回原消息")
		d.nack(log, delivery)
		return metrics.OutcomeRequeuedByBroker
	}

	log.Error().Err(cause).Str("severity", "critical").Str("outcome", metrics.OutcomeDeadLettered).Msg("重试耗尽，需人工重放")
	d.ack(log, delivery)
	return metrics.OutcomeDeadLettered
}

func (d *Dispatcher) publishDeadLetter(ctx context.Context, delivery amqp.Delivery, retryCount int, reason error) error {
	if d.settings.DeadLetterQueue == "" && d.settings.DeadLetterExchange == "" {
		return fmt.Errorf("未配置死信队列")
	}
	msg := storage.Message{
		Exchange:   d.settings.DeadLetterExchange,
		RoutingKey: d.settings.Queue,
		Body:       delivery.Body,
		Headers: amqp.Table{
			constants.HeaderRetryCount:  int32(retryCount),
			constants.HeaderDeathReason: tracing.TruncateString(reason.Error(), 1000),
		},
		MessageID:  delivery.MessageId,
		Persistent: true,
	}
	if msg.Exchange == "" {
		msg.RoutingKey = d.settings.DeadLetterQueue
	}
	return d.publisher.Publish(ctx, msg)
}

func (d *Dispatcher) ack(log zerolog.Logger, delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		log.Error().Err(err).Msg("确认消息失败")
	}
}

func (d *Dispatcher) nack(log zerolog.Logger, delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		log.Error().Err(err).Msg("退回消息失败")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
