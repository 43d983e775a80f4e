package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// MockResponse MockChatModel 的单次响应
type MockResponse struct {
	Content string
	Error   error
}

// MockChatModel 测试用 model.BaseChatModel，可并发调用
type MockChatModel struct {
	mu sync.Mutex

	// Responder 非空时优先使用，可按输入内容返回不同结果
	Responder func(input []*schema.Message) (string, error)

	SequentialResponses []MockResponse
	ResponseIndex       int

	ReceivedMessages [][]*schema.Message
}

var _ model.BaseChatModel = (*MockChatModel)(nil)

// NewMockChatModel 每次都返回同一结果
func NewMockChatModel(content string, err error) *MockChatModel {
	return &MockChatModel{
		Responder: func([]*schema.Message) (string, error) { return content, err },
	}
}

// NewMockChatModelSequential 按顺序返回，用完后报错
func NewMockChatModelSequential(responses ...MockResponse) *MockChatModel {
	return &MockChatModel{SequentialResponses: responses}
}

// Generate 记录输入并返回预设结果
func (m *MockChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	received := make([]*schema.Message, len(input))
	copy(received, input)
	m.ReceivedMessages = append(m.ReceivedMessages, received)

	if m.Responder != nil {
		content, err := m.Responder(input)
		if err != nil {
			return nil, err
		}
		return schema.AssistantMessage(content, nil), nil
	}

	if m.ResponseIndex >= len(m.SequentialResponses) {
		return nil, errors.New("mock chat model has run out of responses")
	}
	resp := m.SequentialResponses[m.ResponseIndex]
	m.ResponseIndex++
	if resp.Error != nil {
		return nil, resp.Error
	}
	return schema.AssistantMessage(resp.Content, nil), nil
}

// Stream 以单帧流返回 Generate 的结果
func (m *MockChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

// Calls 已收到的调用次数
func (m *MockChatModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ReceivedMessages)
}

// MockEmbedder 测试用 embedding.Embedder，按文本查表
type MockEmbedder struct {
	mu      sync.Mutex
	Vectors map[string][]float64
	Err     error
	Calls   int
}

// EmbedStrings 未登记的文本返回零向量
func (e *MockEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls++
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		if v, ok := e.Vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float64{0, 0, 0}
		}
	}
	return out, nil
}

var _ embedding.Embedder = (*MockEmbedder)(nil)
