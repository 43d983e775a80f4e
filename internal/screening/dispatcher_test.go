package screening

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/scorer"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/types"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validBody = `{"application_id":"A1","job_description":"招聘Go后端工程师","resume_path":"s3://r1","source":"web"}`

func noSleep(context.Context, time.Duration) error { return nil }

func testSettings() DispatcherSettings {
	return DispatcherSettings{
		Queue:              "application_queue",
		MaxRetries:         3,
		DeadLetterExchange: "screening.dlx",
		DeadLetterQueue:    "application_queue.dlq",
	}
}

// panicProcessor 在 Process 中 panic
type panicProcessor struct{ failures []error }

func (p *panicProcessor) Process(context.Context, types.ScreeningJob) (*Outcome, error) {
	panic("nil map")
}

func (p *panicProcessor) RecordFailure(_ context.Context, _ types.ScreeningJob, _ []byte, cause error) error {
	p.failures = append(p.failures, cause)
	return nil
}

func newTestDispatcher(t *testing.T, pub *fakePublisher, proc JobProcessor, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	if len(opts) == 0 {
		opts = []DispatcherOption{WithSleep(noSleep)}
	}
	d, err := NewDispatcher(&fakeSource{}, pub, proc, testSettings(), opts...)
	require.NoError(t, err)
	return d
}

func TestDispatcherCompletesAndAcks(t *testing.T) {
	results := newMemoryResults()
	pub := &fakePublisher{}
	d := newTestDispatcher(t, pub, newTestPipeline(t, &fakeRubric{score: 72}, results))

	acker := &fakeAcker{}
	d.Handle(context.Background(), newDelivery(validBody, nil, acker))

	acks, nacks := acker.counts()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, nacks)
	assert.Empty(t, pub.messages())
	assert.Equal(t, constants.StatusCompleted, results.get("A1").Status)
}

func TestDispatcherRetryBoundThenDeadLetter(t *testing.T) {
	results := newMemoryResults()
	rubric := &fakeRubric{fn: func() (*types.RubricEvaluation, error) {
		return nil, errors.New("503 service unavailable")
	}}
	pub := &fakePublisher{}
	d := newTestDispatcher(t, pub, newTestPipeline(t, rubric, results))

	var headers amqp.Table
	for i := 1; i <= 3; i++ {
		acker := &fakeAcker{}
		d.Handle(context.Background(), newDelivery(validBody, headers, acker))

		acks, _ := acker.counts()
		require.Equal(t, 1, acks, "第%d次投递应确认", i)
		msgs := pub.messages()
		require.Len(t, msgs, i)
		last := msgs[i-1]
		assert.Equal(t, "", last.Exchange)
		assert.Equal(t, "application_queue", last.RoutingKey)
		assert.Equal(t, validBody, string(last.Body))
		assert.Equal(t, "msg-1", last.MessageID)
		assert.Equal(t, int32(i), last.Headers[constants.HeaderRetryCount])
		headers = last.Headers
	}

	acker := &fakeAcker{}
	d.Handle(context.Background(), newDelivery(validBody, headers, acker))
	acks, nacks := acker.counts()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, nacks)

	msgs := pub.messages()
	require.Len(t, msgs, 4, "重试上限后不再重新投递")
	dead := msgs[3]
	assert.Equal(t, "screening.dlx", dead.Exchange)
	assert.Equal(t, "application_queue", dead.RoutingKey)
	assert.Equal(t, int32(3), dead.Headers[constants.HeaderRetryCount])
	assert.Contains(t, dead.Headers[constants.HeaderDeathReason], "503")

	row := results.get("A1")
	require.NotNil(t, row)
	assert.Equal(t, constants.StatusFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "重试3次后永久失败")
	assert.Equal(t, validBody, string(row.OriginalMessage))
	assert.Equal(t, 4, rubric.calls)
}

func TestDispatcherDeadLetterWithoutExchange(t *testing.T) {
	rubric := &fakeRubric{fn: func() (*types.RubricEvaluation, error) { return nil, errors.New("timeout") }}
	pub := &fakePublisher{}
	settings := testSettings()
	settings.DeadLetterExchange = ""
	d, err := NewDispatcher(&fakeSource{}, pub, newTestPipeline(t, rubric, newMemoryResults()), settings, WithSleep(noSleep))
	require.NoError(t, err)

	d.Handle(context.Background(), newDelivery(validBody, amqp.Table{constants.HeaderRetryCount: int32(3)}, &fakeAcker{}))
	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "", msgs[0].Exchange)
	assert.Equal(t, "application_queue.dlq", msgs[0].RoutingKey)
}

func TestDispatcherDiscardsPoisonMessage(t *testing.T) {
	results := newMemoryResults()
	rubric := &fakeRubric{score: 90}
	pub := &fakePublisher{}
	d := newTestDispatcher(t, pub, newTestPipeline(t, rubric, results))

	for _, body := range []string{`{"application_id":"A1","job_description":"jd"}`, `not json`} {
		acker := &fakeAcker{}
		d.Handle(context.Background(), newDelivery(body, nil, acker))
		acks, nacks := acker.counts()
		assert.Equal(t, 1, acks)
		assert.Equal(t, 0, nacks)
	}
	assert.Empty(t, pub.messages())
	assert.Empty(t, results.writes)
	assert.Equal(t, 0, rubric.calls)
}

func TestDispatcherRecordsAIOutputFailure(t *testing.T) {
	results := newMemoryResults()
	rubric := &fakeRubric{fn: func() (*types.RubricEvaluation, error) {
		return nil, fmt.Errorf("%w: 缺少 overall_score", scorer.ErrInvalidAIOutput)
	}}
	pub := &fakePublisher{}
	d := newTestDispatcher(t, pub, newTestPipeline(t, rubric, results))

	acker := &fakeAcker{}
	d.Handle(context.Background(), newDelivery(validBody, nil, acker))

	acks, _ := acker.counts()
	assert.Equal(t, 1, acks)
	assert.Empty(t, pub.messages(), "模型输出无效不重试")
	row := results.get("A1")
	require.NotNil(t, row)
	assert.Equal(t, constants.StatusFailed, row.Status)
	assert.Equal(t, validBody, string(row.OriginalMessage))
	assert.Equal(t, 1, rubric.calls)
}

func TestDispatcherNacksWhenRetryPublishFails(t *testing.T) {
	rubric := &fakeRubric{fn: func() (*types.RubricEvaluation, error) { return nil, errors.New("timeout") }}
	pub := &fakePublisher{errFn: func(storage.Message) error { return errors.New("channel closed") }}
	d := newTestDispatcher(t, pub, newTestPipeline(t, rubric, newMemoryResults()))

	acker := &fakeAcker{}
	d.Handle(context.Background(), newDelivery(validBody, nil, acker))
	acks, nacks := acker.counts()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, nacks)
	assert.True(t, acker.requeue)
}

func TestDispatcherNacksWhenFailureCannotBeRecorded(t *testing.T) {
	results := newMemoryResults()
	rubric := &fakeRubric{fn: func() (*types.RubricEvaluation, error) { return nil, errors.New("timeout") }}
	pub := &fakePublisher{errFn: func(storage.Message) error { return errors.New("channel closed") }}
	d := newTestDispatcher(t, pub, newTestPipeline(t, rubric, results))
	results.err = errors.New("mysql down")

	acker := &fakeAcker{}
	d.Handle(context.Background(), newDelivery(validBody, amqp.Table{constants.HeaderRetryCount: int32(3)}, acker))
	acks, nacks := acker.counts()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, nacks)
}

func TestDispatcherPanicBecomesRetry(t *testing.T) {
	pub := &fakePublisher{}
	d := newTestDispatcher(t, pub, &panicProcessor{})

	acker := &fakeAcker{}
	d.Handle(context.Background(), newDelivery(validBody, nil, acker))
	acks, _ := acker.counts()
	assert.Equal(t, 1, acks)
	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int32(1), msgs[0].Headers[constants.HeaderRetryCount])
}

func TestDispatcherCancelDuringDelayNacks(t *testing.T) {
	rubric := &fakeRubric{score: 80}
	pub := &fakePublisher{}
	d := newTestDispatcher(t, pub, newTestPipeline(t, rubric, newMemoryResults()), WithSleep(sleepContext))
	d.settings.RateLimitDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	acker := &fakeAcker{}
	d.Handle(ctx, newDelivery(validBody, nil, acker))

	acks, nacks := acker.counts()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, nacks)
	assert.True(t, acker.requeue)
	assert.Equal(t, 0, rubric.calls)
}

func TestDispatcherRunProcessesUntilCancelled(t *testing.T) {
	results := newMemoryResults()
	source := &fakeSource{ch: make(chan amqp.Delivery)}
	d, err := NewDispatcher(source, &fakePublisher{}, newTestPipeline(t, &fakeRubric{score: 72}, results), testSettings(), WithSleep(noSleep))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	acker := &fakeAcker{}
	source.ch <- newDelivery(validBody, nil, acker)
	require.Eventually(t, func() bool {
		acks, _ := acker.counts()
		return acks == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未在取消后返回")
	}
	assert.Equal(t, constants.StatusCompleted, results.get("A1").Status)
}

func TestNewDispatcherValidates(t *testing.T) {
	_, err := NewDispatcher(&fakeSource{}, &fakePublisher{}, &panicProcessor{}, DispatcherSettings{})
	assert.Error(t, err)
	_, err = NewDispatcher(nil, &fakePublisher{}, &panicProcessor{}, testSettings())
	assert.Error(t, err)
}

func TestDispatcherRecommendationFailureKeepsScreeningResult(t *testing.T) {
	const recBody = `{"application_id":"A1","job_description":"招聘Go后端工程师","resume_path":"s3://r1","source":"recommendation","job_id":"J9"}`

	results := newMemoryResults()
	recs := &memoryRecommendations{}
	var rubricErr error
	rubric := &fakeRubric{fn: func() (*types.RubricEvaluation, error) {
		if rubricErr != nil {
			return nil, rubricErr
		}
		return &types.RubricEvaluation{OverallScore: 80}, nil
	}}
	pub := &fakePublisher{}
	d := newTestDispatcher(t, pub, newTestPipeline(t, rubric, results, WithRecommendationWriter(recs)))
	ctx := context.Background()

	d.Handle(ctx, newDelivery(validBody, nil, &fakeAcker{}))
	require.Equal(t, constants.StatusCompleted, results.get("A1").Status)

	rubricErr = fmt.Errorf("%w: 缺少 overall_score", scorer.ErrInvalidAIOutput)
	acker := &fakeAcker{}
	d.Handle(ctx, newDelivery(recBody, nil, acker))
	acks, _ := acker.counts()
	assert.Equal(t, 1, acks)

	row := results.get("A1")
	assert.Equal(t, constants.StatusCompleted, row.Status)
	assert.Equal(t, "web", row.Source)
	require.NotNil(t, row.Score)
	assert.Equal(t, 72.0, *row.Score)
	assert.Empty(t, row.OriginalMessage)
	assert.Equal(t, []string{constants.StatusCompleted}, results.writes)

	rows := recs.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "J9", rows[0].JobID)
	assert.Equal(t, constants.StatusFailed, rows[0].Status)
	assert.Equal(t, recBody, string(rows[0].OriginalMessage))

	// 重放成功后失败记录被清除
	rubricErr = nil
	d.Handle(ctx, newDelivery(recBody, nil, &fakeAcker{}))
	rows = recs.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, constants.StatusCompleted, rows[0].Status)
	assert.Equal(t, 72.0, rows[0].Score)
	assert.Equal(t, constants.StatusCompleted, results.get("A1").Status)
}
