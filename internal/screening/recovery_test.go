package screening

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/storage/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

// fakeReplayStore 返回固定结果，MarkRequeued 按 markErr 决定成败
type fakeReplayStore struct {
	row     *models.ScreeningResult
	getErr  error
	markErr  error
	marked   []string
	reverted []string
}

func (f *fakeReplayStore) Get(context.Context, string) (*models.ScreeningResult, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.row, nil
}

func (f *fakeReplayStore) MarkRequeued(_ context.Context, _ *gorm.DB, id string) error {
	f.marked = append(f.marked, id)
	return f.markErr
}

func (f *fakeReplayStore) RevertRequeued(_ context.Context, _ *gorm.DB, id, _ string) error {
	f.reverted = append(f.reverted, id)
	return nil
}

// fakeRecommendationReplayStore 推荐失败记录
type fakeRecommendationReplayStore struct {
	row      *models.RecommendationResult
	marked   []string
	reverted []string
}

func (f *fakeRecommendationReplayStore) GetFailure(_ context.Context, jobID, _ string) (*models.RecommendationResult, error) {
	if f.row == nil || f.row.JobID != jobID {
		return nil, storage.ErrResultNotFound
	}
	return f.row, nil
}

func (f *fakeRecommendationReplayStore) MarkRequeued(_ context.Context, _ *gorm.DB, jobID, id string) error {
	f.marked = append(f.marked, jobID+"/"+id)
	return nil
}

func (f *fakeRecommendationReplayStore) RevertRequeued(_ context.Context, _ *gorm.DB, jobID, id, _ string) error {
	f.reverted = append(f.reverted, jobID+"/"+id)
	return nil
}

func failedRow(body string) *models.ScreeningResult {
	return &models.ScreeningResult{ApplicationID: "A1", Status: constants.StatusFailed, OriginalMessage: []byte(body)}
}

func TestRecoveryRequeueWritesOutboxInTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	store := storage.NewResultStore(db)
	rec := NewRecovery(db, store, &fakeRecommendationReplayStore{}, "application_queue")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `screening_results` WHERE application_id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "application_id", "status", "original_message"}).
			AddRow(1, "A1", constants.StatusFailed, []byte(validBody)))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `screening_results` SET `status`=?")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `outbox_messages`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := rec.Requeue(context.Background(), RequeueRequest{ApplicationID: "A1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoveryRequeueNotReplayable(t *testing.T) {
	db, mock := newMockDB(t)
	store := &fakeReplayStore{row: failedRow(validBody), markErr: storage.ErrNotReplayable}
	rec := NewRecovery(db, store, &fakeRecommendationReplayStore{}, "application_queue")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := rec.Requeue(context.Background(), RequeueRequest{ApplicationID: "A1"})
	assert.True(t, errors.Is(err, storage.ErrNotReplayable))
	assert.Equal(t, []string{"A1"}, store.marked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoveryRequeueNotFound(t *testing.T) {
	db, _ := newMockDB(t)
	rec := NewRecovery(db, &fakeReplayStore{getErr: storage.ErrResultNotFound}, &fakeRecommendationReplayStore{}, "application_queue")

	err := rec.Requeue(context.Background(), RequeueRequest{ApplicationID: "A404"})
	assert.True(t, errors.Is(err, storage.ErrResultNotFound))
}

func TestRecoveryRequeueInvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		stored string
		req    RequeueRequest
	}{
		{"缺少application_id", validBody, RequeueRequest{}},
		{"原始消息格式错误", validBody, RequeueRequest{ApplicationID: "A1", OriginalMessage: json.RawMessage(`{"application_id":"A1"}`)}},
		{"application_id不一致", validBody, RequeueRequest{ApplicationID: "A1", OriginalMessage: json.RawMessage(`{"application_id":"B2","job_description":"jd","resume_path":"s3://r1"}`)}},
		{"没有保存原始消息", "", RequeueRequest{ApplicationID: "A1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			store := &fakeReplayStore{row: failedRow(tt.stored)}
			err := NewRecovery(db, store, &fakeRecommendationReplayStore{}, "application_queue").Requeue(context.Background(), tt.req)
			assert.True(t, errors.Is(err, ErrInvalidReplay), "got %v", err)
			assert.Empty(t, store.marked)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRecoveryRequeueUsesRequestBody(t *testing.T) {
	db, mock := newMockDB(t)
	store := &fakeReplayStore{row: failedRow("")}
	rec := NewRecovery(db, store, &fakeRecommendationReplayStore{}, "application_queue")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `outbox_messages`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := rec.Requeue(context.Background(), RequeueRequest{
		ApplicationID:   "A1",
		OriginalMessage: json.RawMessage("{\n  \"application_id\": \"A1\", \"job_description\": \"jd\", \"resume_path\": \"s3://r1\"\n}"),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

const recommendationBody = `{"application_id":"A1","job_description":"jd","resume_path":"s3://r1","source":"recommendation","job_id":"J9"}`

func TestRecoveryRequeueRecommendationLeavesScreeningResult(t *testing.T) {
	db, mock := newMockDB(t)
	results := &fakeReplayStore{row: &models.ScreeningResult{ApplicationID: "A1", Status: constants.StatusCompleted}}
	rec := NewRecovery(db, results, storage.NewRecommendationStore(db), "application_queue")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `recommendation_results` WHERE job_id = ? AND application_id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "application_id", "status", "original_message"}).
			AddRow(3, "J9", "A1", constants.StatusFailed, []byte(recommendationBody)))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `recommendation_results` SET `status`=?")).
		WithArgs(constants.StatusRequeued, sqlmock.AnyArg(), "J9", "A1", constants.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `outbox_messages`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := rec.Requeue(context.Background(), RequeueRequest{ApplicationID: "A1", JobID: "J9"})
	require.NoError(t, err)
	assert.Empty(t, results.marked, "筛选结果不受推荐重放影响")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoveryRequeueChecksJobID(t *testing.T) {
	tests := []struct {
		name string
		req  RequeueRequest
	}{
		{"推荐消息缺少job_id", RequeueRequest{ApplicationID: "A1", OriginalMessage: json.RawMessage(recommendationBody)}},
		{"job_id不一致", RequeueRequest{ApplicationID: "A1", JobID: "J9", OriginalMessage: json.RawMessage(`{"application_id":"A1","job_description":"jd","resume_path":"s3://r1","source":"recommendation","job_id":"J1"}`)}},
		{"普通消息带job_id", RequeueRequest{ApplicationID: "A1", JobID: "J9", OriginalMessage: json.RawMessage(validBody)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			results := &fakeReplayStore{row: failedRow(validBody)}
			recs := &fakeRecommendationReplayStore{row: &models.RecommendationResult{JobID: "J9", ApplicationID: "A1", Status: constants.StatusFailed}}
			err := NewRecovery(db, results, recs, "application_queue").Requeue(context.Background(), tt.req)
			assert.True(t, errors.Is(err, ErrInvalidReplay), "got %v", err)
			assert.Empty(t, results.marked)
			assert.Empty(t, recs.marked)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRecoveryRequeueRecommendationNotFound(t *testing.T) {
	db, _ := newMockDB(t)
	rec := NewRecovery(db, &fakeReplayStore{}, &fakeRecommendationReplayStore{}, "application_queue")
	err := rec.Requeue(context.Background(), RequeueRequest{ApplicationID: "A1", JobID: "J404"})
	assert.True(t, errors.Is(err, storage.ErrResultNotFound))
}

func TestRecoveryRevertReplay(t *testing.T) {
	db, _ := newMockDB(t)
	results := &fakeReplayStore{}
	recs := &fakeRecommendationReplayStore{}
	rec := NewRecovery(db, results, recs, "application_queue")
	ctx := context.Background()

	require.NoError(t, rec.RevertReplay(ctx, db, &models.OutboxMessage{AggregateID: "A1", EventType: constants.OutboxEventReplay}))
	require.NoError(t, rec.RevertReplay(ctx, db, &models.OutboxMessage{AggregateID: "A1", EventType: constants.OutboxEventRecommendationReplay, Payload: recommendationBody}))
	require.NoError(t, rec.RevertReplay(ctx, db, &models.OutboxMessage{AggregateID: "A2", EventType: constants.OutboxEventRecommendationReplay, Payload: "oops"}))
	require.NoError(t, rec.RevertReplay(ctx, db, &models.OutboxMessage{AggregateID: "A3", EventType: "other"}))

	assert.Equal(t, []string{"A1"}, results.reverted)
	assert.Equal(t, []string{"J9/A1"}, recs.reverted)
}
