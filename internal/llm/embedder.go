package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder 通过 OpenAI 兼容接口生成文本向量
type OpenAIEmbedder struct {
	client     *openai.Client
	modelName  string
	dimensions int
}

var _ embedding.Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder 创建 embedding 客户端
func NewOpenAIEmbedder(apiKey, baseURL, modelName string, dimensions int) (*OpenAIEmbedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("embedding API 密钥不能为空")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(cfg),
		modelName:  modelName,
		dimensions: dimensions,
	}, nil
}

// EmbedStrings 实现 embedding.Embedder，返回顺序与输入一致
func (e *OpenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.modelName),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("调用 embedding 接口失败: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding 返回数量不匹配: 期望 %d, 实际 %d", len(texts), len(resp.Data))
	}

	out := make([][]float64, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding 返回了越界的下标 %d", d.Index)
		}
		vec := make([]float64, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float64(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}
