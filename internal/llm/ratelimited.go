package llm

import (
	"context"
	"time"

	"ai-screener-go/pkg/ratelimit"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// RateLimitedChatModel 对模型调用限流并对网络、限流类错误退避重试
type RateLimitedChatModel struct {
	original    model.BaseChatModel
	rateLimiter *ratelimit.TokenBucket
}

var _ model.BaseChatModel = (*RateLimitedChatModel)(nil)

// NewRateLimitedChatModel 容量设为 QPM 的一半，允许一定突发
func NewRateLimitedChatModel(original model.BaseChatModel, qpm, maxRetries int, retryWait time.Duration) *RateLimitedChatModel {
	if qpm <= 0 {
		qpm = 30
	}
	if retryWait <= 0 {
		retryWait = time.Second
	}
	return &RateLimitedChatModel{
		original:    original,
		rateLimiter: ratelimit.NewTokenBucket(qpm, qpm/2).WithRetryPolicy(retryWait, maxRetries),
	}
}

// Generate 代理 Generate，增加限流和重试
func (rl *RateLimitedChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	var response *schema.Message
	err := rl.rateLimiter.RetryWithBackoff(ctx, func() error {
		var genErr error
		response, genErr = rl.original.Generate(ctx, messages, options...)
		return genErr
	})
	return response, err
}

// Stream 代理 Stream，增加限流和重试
func (rl *RateLimitedChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	var stream *schema.StreamReader[*schema.Message]
	err := rl.rateLimiter.RetryWithBackoff(ctx, func() error {
		var streamErr error
		stream, streamErr = rl.original.Stream(ctx, messages, options...)
		return streamErr
	})
	return stream, err
}
