package screening

import (
	"context"

	"ai-screener-go/internal/scorer"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/storage/models"
	"ai-screener-go/internal/types"

	amqp "github.com/rabbitmq/amqp091-go"
)

//
// 子评分相关接口
//

// RubricScorer 评分细则评估器，scorer.RubricEvaluator 实现该接口
type RubricScorer interface {
	Evaluate(ctx context.Context, in scorer.RubricInput) (*types.RubricEvaluation, error)
}

// SimilarityScorer 关键词或向量子评分，返回值已乘内部系数
type SimilarityScorer interface {
	Score(ctx context.Context, jobDescription, resume string) (float64, error)
}

// RequirementAnalyzer 给出 JD 的类别权重
type RequirementAnalyzer interface {
	Analyze(ctx context.Context, jobDescription string) (types.RequirementWeights, error)
}

// Normalizer 简历文本结构化
type Normalizer interface {
	Normalize(ctx context.Context, raw string) string
}

//
// 存储与消息相关接口
//

// ResultWriter 筛选结果存储
type ResultWriter interface {
	Upsert(ctx context.Context, result *models.ScreeningResult) error
}

// RecommendationWriter 推荐结果存储，失败状态与筛选结果分开保存
type RecommendationWriter interface {
	Append(ctx context.Context, result *models.RecommendationResult) error
	RecordFailure(ctx context.Context, result *models.RecommendationResult) error
}

// Publisher 消息发布，storage.RabbitMQ 实现该接口
type Publisher interface {
	Publish(ctx context.Context, msg storage.Message) error
}

// DeliverySource 提供投递通道
type DeliverySource interface {
	Consume(ctx context.Context, queueName string, prefetchCount int) (<-chan amqp.Delivery, error)
}
