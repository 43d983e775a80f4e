package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// GeminiChatModel 通过 Gemini API 调用对话模型
type GeminiChatModel struct {
	client      *genai.Client
	modelName   string
	temperature float32
	jsonMode    bool
}

var _ model.BaseChatModel = (*GeminiChatModel)(nil)

// NewGeminiChatModel 创建 Gemini 对话模型
func NewGeminiChatModel(ctx context.Context, apiKey, modelName string, temperature float32, jsonMode bool) (*GeminiChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("Gemini API 密钥不能为空")
	}
	if strings.TrimSpace(modelName) == "" {
		modelName = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 Gemini 客户端失败: %w", err)
	}
	return &GeminiChatModel{
		client:      client,
		modelName:   modelName,
		temperature: temperature,
		jsonMode:    jsonMode,
	}, nil
}

// Generate 实现 model.BaseChatModel
func (g *GeminiChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	temperature := g.temperature
	modelName := g.modelName
	options := model.GetCommonOptions(&model.Options{Temperature: &temperature, Model: &modelName}, opts...)

	temp := *options.Temperature
	cfg := &genai.GenerateContentConfig{Temperature: &temp}
	if g.jsonMode {
		cfg.ResponseMIMEType = "application/json"
	}

	var contents []*genai.Content
	var system []string
	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			system = append(system, msg.Content)
		case schema.Assistant:
			contents = append(contents, modelContent(msg.Content))
		default:
			contents = append(contents, userContent(msg.Content))
		}
	}
	if len(system) > 0 {
		cfg.SystemInstruction = userContent(strings.Join(system, "\n\n"))
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("Gemini 请求缺少用户消息")
	}

	resp, err := g.client.Models.GenerateContent(ctx, *options.Model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("调用 Gemini 失败: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return nil, fmt.Errorf("Gemini 未返回文本内容")
	}
	return schema.AssistantMessage(text, nil), nil
}

func userContent(text string) *genai.Content {
	return &genai.Content{Role: "user", Parts: []*genai.Part{{Text: text}}}
}

func modelContent(text string) *genai.Content {
	return &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}}
}

// responseText 拼接所有候选的文本片段
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Text == "" {
				continue
			}
			builder.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(builder.String())
}

// Stream 以单帧流返回完整结果
func (g *GeminiChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := g.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}
