package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIChatModel 通过 OpenAI 兼容接口（DashScope、vLLM 等）调用对话模型
type OpenAIChatModel struct {
	client      *openai.Client
	modelName   string
	temperature float32
	jsonMode    bool
}

// 确保实现 eino 对话模型接口
var _ model.BaseChatModel = (*OpenAIChatModel)(nil)

// OpenAIOption 可选配置
type OpenAIOption func(*OpenAIChatModel)

// WithJSONMode 要求模型返回 JSON 对象
func WithJSONMode() OpenAIOption {
	return func(m *OpenAIChatModel) { m.jsonMode = true }
}

// NewOpenAIChatModel 创建 OpenAI 兼容对话模型
func NewOpenAIChatModel(apiKey, baseURL, modelName string, temperature float32, opts ...OpenAIOption) (*OpenAIChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("API 密钥不能为空")
	}
	if strings.TrimSpace(modelName) == "" {
		return nil, fmt.Errorf("模型名称不能为空")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	m := &OpenAIChatModel{
		client:      openai.NewClientWithConfig(cfg),
		modelName:   modelName,
		temperature: temperature,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Generate 实现 model.BaseChatModel
func (m *OpenAIChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	temperature := m.temperature
	modelName := m.modelName
	options := model.GetCommonOptions(&model.Options{Temperature: &temperature, Model: &modelName}, opts...)

	req := openai.ChatCompletionRequest{
		Model:       *options.Model,
		Messages:    toOpenAIMessages(input),
		Temperature: *options.Temperature,
	}
	if options.MaxTokens != nil {
		req.MaxTokens = *options.MaxTokens
	}
	if m.jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("LLM 接口返回错误 %d: %s: %w", apiErr.HTTPStatusCode, apiErr.Message, err)
		}
		return nil, fmt.Errorf("调用 LLM 失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM 未返回任何结果")
	}

	out := schema.AssistantMessage(resp.Choices[0].Message.Content, nil)
	out.ResponseMeta = &schema.ResponseMeta{
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: &schema.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return out, nil
}

// Stream 以单帧流返回完整结果
func (m *OpenAIChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func toOpenAIMessages(input []*schema.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case schema.System:
			role = openai.ChatMessageRoleSystem
		case schema.Assistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return out
}
