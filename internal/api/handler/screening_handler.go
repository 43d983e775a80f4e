package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/screening"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/storage/models"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// Requeuer 人工重放，*screening.Recovery 实现该接口
type Requeuer interface {
	Requeue(ctx context.Context, req screening.RequeueRequest) error
}

// ResultReader 筛选结果查询与人工改分，*storage.ResultStore 实现该接口
type ResultReader interface {
	Get(ctx context.Context, applicationID string) (*models.ScreeningResult, error)
	EditScore(ctx context.Context, applicationID string, score float64, comment string) error
}

// RecommendationLister 岗位推荐列表，*storage.RecommendationStore 实现该接口
type RecommendationLister interface {
	ListByJob(ctx context.Context, jobID string) ([]models.RecommendationResult, error)
}

// ScreeningHandler 筛选结果相关接口
type ScreeningHandler struct {
	recovery        Requeuer
	results         ResultReader
	recommendations RecommendationLister
}

// NewScreeningHandler 创建筛选接口处理器
func NewScreeningHandler(recovery Requeuer, results ResultReader, recommendations RecommendationLister) *ScreeningHandler {
	return &ScreeningHandler{
		recovery:        recovery,
		results:         results,
		recommendations: recommendations,
	}
}

// EditScoreRequest 人工改分请求
type EditScoreRequest struct {
	Score   *float64 `json:"score"`
	Comment string   `json:"comment"`
}

// HandleRequeue 把失败任务重新放回筛选队列
// POST /api/v1/screening/requeue
func (h *ScreeningHandler) HandleRequeue(ctx context.Context, c *app.RequestContext) {
	var req screening.RequeueRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "请求体不是有效的JSON"})
		return
	}

	err := h.recovery.Requeue(ctx, req)
	switch {
	case err == nil:
		c.JSON(consts.StatusAccepted, utils.H{"status": "queued", "application_id": strings.TrimSpace(req.ApplicationID)})
	case errors.Is(err, screening.ErrInvalidReplay):
		c.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
	case errors.Is(err, storage.ErrResultNotFound):
		c.JSON(consts.StatusNotFound, utils.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotReplayable):
		c.JSON(consts.StatusConflict, utils.H{"error": err.Error()})
	default:
		logger.Ctx(ctx).Error().Err(err).Str("application_id", req.ApplicationID).Msg("人工重放失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "重新入队失败"})
	}
}

// HandleGetResult 查询一条筛选结果
// GET /api/v1/screening/results/:application_id
func (h *ScreeningHandler) HandleGetResult(ctx context.Context, c *app.RequestContext) {
	applicationID := c.Param("application_id")
	if applicationID == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "application_id 不能为空"})
		return
	}

	row, err := h.results.Get(ctx, applicationID)
	if errors.Is(err, storage.ErrResultNotFound) {
		c.JSON(consts.StatusNotFound, utils.H{"error": err.Error()})
		return
	}
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("application_id", applicationID).Msg("查询筛选结果失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "查询筛选结果失败"})
		return
	}
	c.JSON(consts.StatusOK, row)
}

// HandleEditScore 人工修改分数，原分数移入 old_score
// PATCH /api/v1/screening/results/:application_id/score
func (h *ScreeningHandler) HandleEditScore(ctx context.Context, c *app.RequestContext) {
	applicationID := c.Param("application_id")
	var req EditScoreRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "请求体不是有效的JSON"})
		return
	}
	if applicationID == "" || req.Score == nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "application_id 和 score 不能为空"})
		return
	}
	score := *req.Score
	if math.IsNaN(score) || score < 0 || score > 100 {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "score 必须在 0 到 100 之间"})
		return
	}
	score = screening.RoundScore(score)

	err := h.results.EditScore(ctx, applicationID, score, strings.TrimSpace(req.Comment))
	if errors.Is(err, storage.ErrResultNotFound) {
		c.JSON(consts.StatusNotFound, utils.H{"error": err.Error()})
		return
	}
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("application_id", applicationID).Msg("人工改分失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "修改分数失败"})
		return
	}
	logger.Ctx(ctx).Info().Str("application_id", applicationID).Float64("score", score).Msg("人工修改分数")
	c.JSON(consts.StatusOK, utils.H{"application_id": applicationID, "score": score})
}

// HandleListRecommendations 岗位推荐结果，按分数降序
// GET /api/v1/recommendations/:job_id
func (h *ScreeningHandler) HandleListRecommendations(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "job_id 不能为空"})
		return
	}
	rows, err := h.recommendations.ListByJob(ctx, jobID)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("job_id", jobID).Msg("查询推荐结果失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "查询推荐结果失败"})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"job_id": jobID, "total_count": len(rows), "data": rows})
}

// HandleHealth 健康检查
func HandleHealth(_ context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{"status": "ok"})
}
