package screening

import (
	"context"
	"time"

	"ai-screener-go/internal/config"
	"ai-screener-go/internal/constants"
)

// PipelineOption 打分流程的可选组件
type PipelineOption func(*Pipeline)

// WithKeywordScorer 关键词子评分，未设置时按 0 分计
func WithKeywordScorer(s SimilarityScorer) PipelineOption {
	return func(p *Pipeline) { p.keyword = s }
}

// WithVectorScorer 向量子评分，未设置时按 0 分计
func WithVectorScorer(s SimilarityScorer) PipelineOption {
	return func(p *Pipeline) { p.vector = s }
}

// WithRequirementAnalyzer JD 类别权重
func WithRequirementAnalyzer(a RequirementAnalyzer) PipelineOption {
	return func(p *Pipeline) { p.requirements = a }
}

// WithNormalizer 简历结构化
func WithNormalizer(n Normalizer) PipelineOption {
	return func(p *Pipeline) { p.normalizer = n }
}

// WithRecommendationWriter 推荐结果存储
func WithRecommendationWriter(w RecommendationWriter) PipelineOption {
	return func(p *Pipeline) { p.recommendations = w }
}

// DispatcherSettings 消费者参数
type DispatcherSettings struct {
	Queue          string
	MaxRetries     int
	RateLimitDelay time.Duration
	Workers        int
	Prefetch       int
	// ScoringTimeout 为 0 表示不限制
	ScoringTimeout time.Duration
	// DeadLetterExchange 为空时死信直接投递到 DeadLetterQueue
	DeadLetterExchange string
	DeadLetterQueue    string
}

// SettingsFromConfig 从配置构造消费者参数
func SettingsFromConfig(cfg *config.Config) DispatcherSettings {
	return DispatcherSettings{
		Queue:              cfg.RabbitMQ.ScreeningQueue,
		MaxRetries:         cfg.Screening.MaxRetries,
		RateLimitDelay:     cfg.Screening.RateLimitDelayDuration(),
		Workers:            cfg.Screening.Workers,
		Prefetch:           cfg.RabbitMQ.PrefetchCount,
		ScoringTimeout:     cfg.Screening.ScoringTimeoutDuration(),
		DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
		DeadLetterQueue:    cfg.RabbitMQ.DeadLetterQueue,
	}
}

func (s *DispatcherSettings) applyDefaults() {
	if s.MaxRetries < 0 {
		s.MaxRetries = constants.DefaultMaxRetries
	}
	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.Prefetch <= 0 {
		s.Prefetch = 1
	}
	if s.RateLimitDelay < 0 {
		s.RateLimitDelay = 0
	}
}

// DispatcherOption 消费者选项
type DispatcherOption func(*Dispatcher)

// WithSleep 替换限流延迟的等待函数，测试中使用
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = sleep }
}
