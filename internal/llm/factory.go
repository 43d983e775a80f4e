package llm

import (
	"context"
	"fmt"
	"time"

	"ai-screener-go/internal/config"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
)

// NewChatModel 按 llm.provider 创建带限流的 JSON 模式对话模型
func NewChatModel(ctx context.Context, cfg *config.LLMConfig) (model.BaseChatModel, error) {
	var base model.BaseChatModel
	var err error
	switch cfg.Provider {
	case "gemini":
		base, err = NewGeminiChatModel(ctx, cfg.APIKey, cfg.Model, cfg.Temperature, true)
	case "openai", "":
		base, err = NewOpenAIChatModel(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature, WithJSONMode())
	default:
		return nil, fmt.Errorf("不支持的 LLM 提供方: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewRateLimitedChatModel(base, cfg.QPM, cfg.MaxRetries, time.Duration(cfg.RetryWaitSeconds)*time.Second), nil
}

// NewEmbedder 创建 embedding 客户端，未单独配置 api_key 时复用 llm.api_key
func NewEmbedder(cfg *config.EmbeddingConfig, llmCfg *config.LLMConfig) (embedding.Embedder, error) {
	apiKey := cfg.APIKey
	if apiKey == "" && llmCfg != nil {
		apiKey = llmCfg.APIKey
	}
	return NewOpenAIEmbedder(apiKey, cfg.BaseURL, cfg.Model, cfg.Dimensions)
}
