package router

import (
	"bytes"
	"context"
	"testing"

	"ai-screener-go/internal/api/handler"
	"ai-screener-go/internal/screening"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/storage/models"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/stretchr/testify/assert"
)

type stubRequeuer struct{ calls int }

func (s *stubRequeuer) Requeue(context.Context, screening.RequeueRequest) error {
	s.calls++
	return nil
}

type stubResults struct{}

func (stubResults) Get(context.Context, string) (*models.ScreeningResult, error) {
	return nil, storage.ErrResultNotFound
}

func (stubResults) EditScore(context.Context, string, float64, string) error { return nil }

type stubRecommendations struct{}

func (stubRecommendations) ListByJob(context.Context, string) ([]models.RecommendationResult, error) {
	return nil, nil
}

func newTestServer(requeuer *stubRequeuer) *server.Hertz {
	h := server.New()
	RegisterRoutes(h, handler.NewScreeningHandler(requeuer, stubResults{}, stubRecommendations{}), "secret", "")
	return h
}

func requeueBody() *ut.Body {
	b := []byte(`{"application_id":"A1"}`)
	return &ut.Body{Body: bytes.NewReader(b), Len: len(b)}
}

func TestRequeueRequiresAPIKey(t *testing.T) {
	requeuer := &stubRequeuer{}
	h := newTestServer(requeuer)

	w := ut.PerformRequest(h.Engine, consts.MethodPost, "/api/v1/screening/requeue", requeueBody())
	assert.Equal(t, consts.StatusUnauthorized, w.Result().StatusCode())

	w = ut.PerformRequest(h.Engine, consts.MethodPost, "/api/v1/screening/requeue", requeueBody(),
		ut.Header{Key: DefaultAPIKeyHeader, Value: "wrong"})
	assert.Equal(t, consts.StatusUnauthorized, w.Result().StatusCode())
	assert.Equal(t, 0, requeuer.calls)

	w = ut.PerformRequest(h.Engine, consts.MethodPost, "/api/v1/screening/requeue", requeueBody(),
		ut.Header{Key: DefaultAPIKeyHeader, Value: "secret"})
	assert.Equal(t, consts.StatusAccepted, w.Result().StatusCode())
	assert.Equal(t, 1, requeuer.calls)
}

func TestPublicRoutesAndRequestID(t *testing.T) {
	h := newTestServer(&stubRequeuer{})

	w := ut.PerformRequest(h.Engine, consts.MethodGet, "/api/v1/health", nil)
	resp := w.Result()
	assert.Equal(t, consts.StatusOK, resp.StatusCode())
	assert.NotEmpty(t, string(resp.Header.Peek(requestIDHeader)))

	w = ut.PerformRequest(h.Engine, consts.MethodGet, "/api/v1/screening/results/A404", nil,
		ut.Header{Key: requestIDHeader, Value: "req-1"})
	resp = w.Result()
	assert.Equal(t, consts.StatusNotFound, resp.StatusCode())
	assert.Equal(t, "req-1", string(resp.Header.Peek(requestIDHeader)))
}

func TestEmptyAPIKeyRejectsEverything(t *testing.T) {
	h := server.New()
	RegisterRoutes(h, handler.NewScreeningHandler(&stubRequeuer{}, stubResults{}, stubRecommendations{}), "", "")

	w := ut.PerformRequest(h.Engine, consts.MethodPatch, "/api/v1/screening/results/A1/score", nil,
		ut.Header{Key: DefaultAPIKeyHeader, Value: ""})
	assert.Equal(t, consts.StatusUnauthorized, w.Result().StatusCode())
}
