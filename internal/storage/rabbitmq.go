package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ai-screener-go/internal/config"
	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/logger"

	"github.com/gofrs/uuid/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrPublishNotConfirmed broker 对发布返回了 nack
var ErrPublishNotConfirmed = errors.New("RabbitMQ未确认消息")

// MessageQueue 消息队列接口
type MessageQueue interface {
	// 发布消息，broker 确认后返回
	Publish(ctx context.Context, msg Message) error

	// 确保交换机存在
	EnsureExchange(exchangeName, exchangeType string, durable bool) error

	// 确保队列存在
	EnsureQueue(queueName string, durable bool, args amqp.Table) error

	// 绑定队列到交换机
	BindQueue(queueName, exchangeName, routingKey string) error

	// 以手动确认模式消费
	Consume(ctx context.Context, queueName string, prefetchCount int) (<-chan amqp.Delivery, error)

	// 关闭连接
	Close() error
}

// 确保RabbitMQ实现了MessageQueue接口
var _ MessageQueue = (*RabbitMQ)(nil)

// RabbitMQ 提供消息队列功能。发布使用 confirm 模式的通道池。
type RabbitMQ struct {
	conn        *amqp.Connection
	channelPool chan *amqp.Channel
	mu          sync.Mutex
	exchangeMap map[string]bool // 记录已声明的exchange
	queueMap    map[string]bool // 记录已声明的queue
	bindingMap  map[string]bool // "exchange:queue:routingKey"
	cfg         *config.RabbitMQConfig
	log         zerolog.Logger
}

// NewRabbitMQ 创建RabbitMQ客户端
func NewRabbitMQ(cfg *config.RabbitMQConfig) (*RabbitMQ, error) {
	if cfg == nil {
		return nil, fmt.Errorf("RabbitMQ配置不能为空")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL配置不能为空")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("无法连接到RabbitMQ服务器: %w", err)
	}

	poolSize := cfg.ChannelPoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	mq := &RabbitMQ{
		conn:        conn,
		channelPool: make(chan *amqp.Channel, poolSize),
		exchangeMap: make(map[string]bool),
		queueMap:    make(map[string]bool),
		bindingMap:  make(map[string]bool),
		cfg:         cfg,
		log:         logger.Named("rabbitmq"),
	}

	// 测试连接和通道
	ch, err := mq.getChannel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	mq.putChannel(ch)

	mq.log.Info().Msg("成功连接到RabbitMQ服务器")
	return mq, nil
}

// getChannel 取一个 confirm 模式的通道，池空时新建
func (r *RabbitMQ) getChannel() (*amqp.Channel, error) {
	select {
	case ch := <-r.channelPool:
		if !ch.IsClosed() {
			return ch, nil
		}
	default:
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("创建RabbitMQ通道失败: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("开启发布确认失败: %w", err)
	}
	return ch, nil
}

// putChannel 归还通道，池满或通道已关闭时丢弃
func (r *RabbitMQ) putChannel(ch *amqp.Channel) {
	if ch == nil || ch.IsClosed() {
		return
	}
	select {
	case r.channelPool <- ch:
	default:
		ch.Close()
	}
}

// Close 关闭连接
func (r *RabbitMQ) Close() error {
	close(r.channelPool)
	for ch := range r.channelPool {
		ch.Close()
	}
	return r.conn.Close()
}

// EnsureExchange 确保exchange存在
func (r *RabbitMQ) EnsureExchange(exchangeName, exchangeType string, durable bool) error {
	if exchangeName == "" {
		return fmt.Errorf("exchange名称不能为空")
	}
	if exchangeName == "amq.default" || exchangeName == "default" {
		return fmt.Errorf("不能声明默认交换机 '%s'", exchangeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exchangeMap[exchangeName] {
		return nil
	}

	ch, err := r.getChannel()
	if err != nil {
		return err
	}
	defer r.putChannel(ch)

	err = ch.ExchangeDeclare(
		exchangeName, // exchange名称
		exchangeType, // exchange类型
		durable,      // 持久化
		false,        // 自动删除
		false,        // 内部专用
		false,        // 非阻塞
		nil,          // 参数
	)
	if err != nil {
		return fmt.Errorf("声明exchange失败: %w", err)
	}

	r.exchangeMap[exchangeName] = true
	r.log.Debug().Str("exchange", exchangeName).Msg("已确保exchange存在")
	return nil
}

// EnsureQueue 确保队列存在。已存在但参数不同的队列会返回 PRECONDITION_FAILED。
func (r *RabbitMQ) EnsureQueue(queueName string, durable bool, args amqp.Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queueMap[queueName] {
		return nil
	}

	ch, err := r.getChannel()
	if err != nil {
		return err
	}
	defer r.putChannel(ch)

	_, err = ch.QueueDeclare(
		queueName, // 队列名称
		durable,   // 持久化
		false,     // 自动删除
		false,     // 独占
		false,     // 非阻塞
		args,      // 参数
	)
	if err != nil {
		return fmt.Errorf("声明队列 '%s' 失败: %w", queueName, err)
	}

	r.queueMap[queueName] = true
	r.log.Debug().Str("queue", queueName).Msg("已确保队列存在")
	return nil
}

// BindQueue 绑定队列到exchange
func (r *RabbitMQ) BindQueue(queueName, exchangeName, routingKey string) error {
	bindingKey := fmt.Sprintf("%s:%s:%s", exchangeName, queueName, routingKey)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bindingMap[bindingKey] {
		return nil
	}

	ch, err := r.getChannel()
	if err != nil {
		return err
	}
	defer r.putChannel(ch)

	if err := ch.QueueBind(queueName, routingKey, exchangeName, false, nil); err != nil {
		return fmt.Errorf("绑定队列到exchange失败: %w", err)
	}

	r.bindingMap[bindingKey] = true
	return nil
}

// SetupScreeningTopology 声明筛选队列及其死信交换机、死信队列
func (r *RabbitMQ) SetupScreeningTopology() error {
	queue := r.cfg.ScreeningQueue
	dlx := r.cfg.DeadLetterExchange
	dlq := r.cfg.DeadLetterQueue

	var queueArgs amqp.Table
	if dlx != "" && dlq != "" {
		if err := r.EnsureExchange(dlx, amqp.ExchangeDirect, true); err != nil {
			return err
		}
		if err := r.EnsureQueue(dlq, true, nil); err != nil {
			return err
		}
		if err := r.BindQueue(dlq, dlx, queue); err != nil {
			return err
		}
		queueArgs = amqp.Table{
			constants.HeaderDeadLetterExchange:   dlx,
			constants.HeaderDeadLetterRoutingKey: queue,
		}
	}
	return r.EnsureQueue(queue, true, queueArgs)
}

// Publish 发布消息并等待 broker 确认
func (r *RabbitMQ) Publish(ctx context.Context, msg Message) error {
	if msg.MessageID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("生成消息ID失败: %w", err)
		}
		msg.MessageID = id.String()
	}

	ch, err := r.getChannel()
	if err != nil {
		return err
	}
	defer r.putChannel(ch)

	deliveryMode := amqp.Transient
	if msg.Persistent {
		deliveryMode = amqp.Persistent
	}

	pubCtx := ctx
	if timeout := config.GetDuration(r.cfg.PublishTimeout, 5*time.Second); timeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		pubCtx,
		msg.Exchange,   // exchange名
		msg.RoutingKey, // 路由键
		false,          // 强制
		false,          // 立即
		amqp.Publishing{
			Headers:      msg.Headers,
			DeliveryMode: deliveryMode,
			ContentType:  "application/json",
			MessageId:    msg.MessageID,
			Body:         msg.Body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}

	acked, err := confirm.WaitContext(pubCtx)
	if err != nil {
		return fmt.Errorf("等待发布确认失败: %w", err)
	}
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}

// Consume 在独立通道上以手动确认模式消费。ctx 取消后关闭通道，返回的 channel 随之关闭。
func (r *RabbitMQ) Consume(ctx context.Context, queueName string, prefetchCount int) (<-chan amqp.Delivery, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("创建消费通道失败: %w", err)
	}

	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("设置QoS失败: %w", err)
	}

	deliveries, err := ch.Consume(
		queueName, // 队列
		"",        // 消费者标签，由server生成
		false,     // 自动确认
		false,     // 独占
		false,     // 非本地
		false,     // 非阻塞
		nil,       // 参数
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("注册消费者失败: %w", err)
	}

	go func() {
		<-ctx.Done()
		ch.Close()
	}()

	r.log.Info().Str("queue", queueName).Int("prefetch", prefetchCount).Msg("RabbitMQ消费者已启动")
	return deliveries, nil
}
