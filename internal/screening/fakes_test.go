package screening

import (
	"context"
	"errors"
	"sync"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/scorer"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/storage/models"
	"ai-screener-go/internal/types"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeResumes 按路径返回简历文本
type fakeResumes struct {
	texts map[string]string
	err   error
}

func (f *fakeResumes) ReadResume(_ context.Context, path string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	text, ok := f.texts[path]
	if !ok {
		return "", errors.New("object not found")
	}
	return text, nil
}

// fakeRubric 固定分数或按函数返回
type fakeRubric struct {
	mu    sync.Mutex
	score float64
	fn    func() (*types.RubricEvaluation, error)
	calls int
	last  scorer.RubricInput
}

func (f *fakeRubric) Evaluate(_ context.Context, in scorer.RubricInput) (*types.RubricEvaluation, error) {
	f.mu.Lock()
	f.calls++
	f.last = in
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn()
	}
	return &types.RubricEvaluation{
		OverallScore: f.score,
		Strengths:    []string{"相关经验充分"},
	}, nil
}

type fakeSimilarity struct {
	score float64
	err   error
}

func (f fakeSimilarity) Score(context.Context, string, string) (float64, error) {
	return f.score, f.err
}

type fakeAnalyzer struct {
	weights types.RequirementWeights
	err     error
}

func (f fakeAnalyzer) Analyze(context.Context, string) (types.RequirementWeights, error) {
	return f.weights, f.err
}

// memoryResults 内存实现，更新的列与 ResultStore 的 ON DUPLICATE KEY UPDATE 一致
type memoryResults struct {
	mu   sync.Mutex
	rows map[string]*models.ScreeningResult
	err  error
	// writes 记录每次写入的状态
	writes []string
}

func newMemoryResults() *memoryResults {
	return &memoryResults{rows: make(map[string]*models.ScreeningResult)}
}

func (m *memoryResults) Upsert(_ context.Context, r *models.ScreeningResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.writes = append(m.writes, r.Status)

	row := *r
	switch r.Status {
	case constants.StatusCompleted:
		row.ErrorMessage = ""
		row.OriginalMessage = nil
	case constants.StatusFailed:
		row.Score = nil
		row.OldScore = nil
		row.ParsedCV = ""
	default:
		return errors.New("unsupported status " + r.Status)
	}

	existing, ok := m.rows[r.ApplicationID]
	if !ok {
		m.rows[r.ApplicationID] = &row
		return nil
	}
	switch r.Status {
	case constants.StatusCompleted:
		// old_score=IF(score IS NULL, old_score, score)
		if existing.Score != nil {
			old := *existing.Score
			existing.OldScore = &old
		}
		existing.Score = row.Score
		existing.Status = row.Status
		existing.Source = row.Source
		existing.Reasoning = row.Reasoning
		existing.ParsedCV = row.ParsedCV
		existing.ErrorMessage = ""
		existing.OriginalMessage = nil
	case constants.StatusFailed:
		// 分数、source、reasoning 不变
		existing.Status = row.Status
		existing.ErrorMessage = row.ErrorMessage
		existing.OriginalMessage = row.OriginalMessage
		existing.ParsedCV = ""
	}
	return nil
}

func (m *memoryResults) get(id string) *models.ScreeningResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

// memoryRecommendations 与 RecommendationStore 一致：成功时清除同一岗位投递的未完成记录
type memoryRecommendations struct {
	mu   sync.Mutex
	rows []models.RecommendationResult
}

func pendingRecommendation(r models.RecommendationResult, jobID, applicationID string) bool {
	return r.JobID == jobID && r.ApplicationID == applicationID &&
		(r.Status == constants.StatusFailed || r.Status == constants.StatusRequeued)
}

func (m *memoryRecommendations) Append(_ context.Context, r *models.RecommendationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	for _, row := range m.rows {
		if !pendingRecommendation(row, r.JobID, r.ApplicationID) {
			kept = append(kept, row)
		}
	}
	row := *r
	row.Status = constants.StatusCompleted
	m.rows = append(kept, row)
	return nil
}

func (m *memoryRecommendations) RecordFailure(_ context.Context, r *models.RecommendationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if pendingRecommendation(m.rows[i], r.JobID, r.ApplicationID) {
			m.rows[i].Status = constants.StatusFailed
			m.rows[i].ErrorMessage = r.ErrorMessage
			m.rows[i].OriginalMessage = r.OriginalMessage
			return nil
		}
	}
	m.rows = append(m.rows, models.RecommendationResult{
		JobID:           r.JobID,
		ApplicationID:   r.ApplicationID,
		Status:          constants.StatusFailed,
		ErrorMessage:    r.ErrorMessage,
		OriginalMessage: r.OriginalMessage,
	})
	return nil
}

func (m *memoryRecommendations) snapshot() []models.RecommendationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RecommendationResult, len(m.rows))
	copy(out, m.rows)
	return out
}

// fakePublisher 记录发布的消息
type fakePublisher struct {
	mu        sync.Mutex
	published []storage.Message
	errFn     func(msg storage.Message) error
}

func (p *fakePublisher) Publish(_ context.Context, msg storage.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errFn != nil {
		if err := p.errFn(msg); err != nil {
			return err
		}
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *fakePublisher) messages() []storage.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]storage.Message, len(p.published))
	copy(out, p.published)
	return out
}

// fakeAcker 实现 amqp.Acknowledger
type fakeAcker struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *fakeAcker) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *fakeAcker) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

func (a *fakeAcker) counts() (acks, nacks int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}

func newDelivery(body string, headers amqp.Table, acker amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: acker,
		Headers:      headers,
		Body:         []byte(body),
		MessageId:    "msg-1",
		DeliveryTag:  1,
	}
}

// fakeSource 把测试写入的投递交给 Run
type fakeSource struct {
	ch chan amqp.Delivery
}

func (s *fakeSource) Consume(ctx context.Context, _ string, _ int) (<-chan amqp.Delivery, error) {
	out := make(chan amqp.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-s.ch:
				if !ok {
					return
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
