package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/screening"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/storage/models"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/route/param"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequeuer struct {
	err  error
	last screening.RequeueRequest
}

func (f *fakeRequeuer) Requeue(_ context.Context, req screening.RequeueRequest) error {
	f.last = req
	return f.err
}

type fakeResults struct {
	rows    map[string]*models.ScreeningResult
	err     error
	edited  float64
	comment string
}

func (f *fakeResults) Get(_ context.Context, id string) (*models.ScreeningResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	row, ok := f.rows[id]
	if !ok {
		return nil, storage.ErrResultNotFound
	}
	return row, nil
}

func (f *fakeResults) EditScore(_ context.Context, id string, score float64, comment string) error {
	if _, ok := f.rows[id]; !ok {
		return storage.ErrResultNotFound
	}
	f.edited = score
	f.comment = comment
	return nil
}

type fakeRecommendations struct {
	rows []models.RecommendationResult
}

func (f *fakeRecommendations) ListByJob(context.Context, string) ([]models.RecommendationResult, error) {
	return storage.RankRecommendations(f.rows), nil
}

func newRequestContext(body string, params ...param.Param) *app.RequestContext {
	c := app.NewContext(0)
	c.Request.SetBody([]byte(body))
	c.Request.Header.SetContentTypeBytes([]byte(consts.MIMEApplicationJSON))
	c.Params = append(c.Params, params...)
	return c
}

func decodeBody(t *testing.T, c *app.RequestContext) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(c.Response.Body(), &out))
	return out
}

func TestHandleRequeueStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"已入队", nil, consts.StatusAccepted},
		{"消息无效", fmt.Errorf("%w: application_id 不一致", screening.ErrInvalidReplay), consts.StatusBadRequest},
		{"结果不存在", storage.ErrResultNotFound, consts.StatusNotFound},
		{"状态不是failed", storage.ErrNotReplayable, consts.StatusConflict},
		{"数据库错误", errors.New("mysql down"), consts.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requeuer := &fakeRequeuer{err: tt.err}
			h := NewScreeningHandler(requeuer, &fakeResults{}, &fakeRecommendations{})
			c := newRequestContext(`{"application_id":"A1","original_message":{"application_id":"A1"}}`)

			h.HandleRequeue(context.Background(), c)
			assert.Equal(t, tt.want, c.Response.StatusCode())
			assert.Equal(t, "A1", requeuer.last.ApplicationID)
			assert.JSONEq(t, `{"application_id":"A1"}`, string(requeuer.last.OriginalMessage))
		})
	}
}

func TestHandleRequeueRejectsBadJSON(t *testing.T) {
	h := NewScreeningHandler(&fakeRequeuer{}, &fakeResults{}, &fakeRecommendations{})
	c := newRequestContext(`{"application_id":`)
	h.HandleRequeue(context.Background(), c)
	assert.Equal(t, consts.StatusBadRequest, c.Response.StatusCode())
}

func TestHandleGetResult(t *testing.T) {
	score := 69.6
	results := &fakeResults{rows: map[string]*models.ScreeningResult{
		"A1": {ApplicationID: "A1", Status: constants.StatusCompleted, Score: &score},
	}}
	h := NewScreeningHandler(&fakeRequeuer{}, results, &fakeRecommendations{})

	c := newRequestContext("", param.Param{Key: "application_id", Value: "A1"})
	h.HandleGetResult(context.Background(), c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	body := decodeBody(t, c)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, 69.6, body["score"])

	c = newRequestContext("", param.Param{Key: "application_id", Value: "A404"})
	h.HandleGetResult(context.Background(), c)
	assert.Equal(t, consts.StatusNotFound, c.Response.StatusCode())
}

func TestHandleEditScore(t *testing.T) {
	results := &fakeResults{rows: map[string]*models.ScreeningResult{"A1": {ApplicationID: "A1"}}}
	h := NewScreeningHandler(&fakeRequeuer{}, results, &fakeRecommendations{})

	c := newRequestContext(`{"score": 88.04, "comment": " 面试表现好 "}`, param.Param{Key: "application_id", Value: "A1"})
	h.HandleEditScore(context.Background(), c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	assert.Equal(t, 88.0, results.edited)
	assert.Equal(t, "面试表现好", results.comment)

	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"缺少score", "A1", `{"comment":"x"}`, consts.StatusBadRequest},
		{"超出范围", "A1", `{"score":101}`, consts.StatusBadRequest},
		{"负数", "A1", `{"score":-1}`, consts.StatusBadRequest},
		{"不存在", "A404", `{"score":50}`, consts.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newRequestContext(tt.body, param.Param{Key: "application_id", Value: tt.id})
			h.HandleEditScore(context.Background(), c)
			assert.Equal(t, tt.want, c.Response.StatusCode())
		})
	}
}

func TestHandleListRecommendationsSortedByScore(t *testing.T) {
	recs := &fakeRecommendations{rows: []models.RecommendationResult{
		{JobID: "J1", ApplicationID: "A2", Score: 70},
		{JobID: "J1", ApplicationID: "A3", Score: 50},
		{JobID: "J1", ApplicationID: "A1", Score: 90},
	}}
	h := NewScreeningHandler(&fakeRequeuer{}, &fakeResults{}, recs)

	c := newRequestContext("", param.Param{Key: "job_id", Value: "J1"})
	h.HandleListRecommendations(context.Background(), c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())

	var body struct {
		TotalCount int                           `json:"total_count"`
		Data       []models.RecommendationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(c.Response.Body(), &body))
	require.Equal(t, 3, body.TotalCount)
	assert.Equal(t, []float64{90, 70, 50}, []float64{body.Data[0].Score, body.Data[1].Score, body.Data[2].Score})
}

func TestHandleHealth(t *testing.T) {
	c := newRequestContext("")
	HandleHealth(context.Background(), c)
	assert.Equal(t, consts.StatusOK, c.Response.StatusCode())
	assert.Equal(t, "ok", decodeBody(t, c)["status"])
}

func TestHandleRequeuePassesJobID(t *testing.T) {
	requeuer := &fakeRequeuer{}
	h := NewScreeningHandler(requeuer, &fakeResults{}, &fakeRecommendations{})
	c := newRequestContext(`{"application_id":"A1","job_id":"J9"}`)

	h.HandleRequeue(context.Background(), c)
	assert.Equal(t, consts.StatusAccepted, c.Response.StatusCode())
	assert.Equal(t, "J9", requeuer.last.JobID)
	assert.Empty(t, requeuer.last.OriginalMessage)
}
