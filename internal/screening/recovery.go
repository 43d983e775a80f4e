package screening

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/storage/models"
	"ai-screener-go/internal/types"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ReplayStore 人工重放用到的结果存储操作，*storage.ResultStore 实现该接口
type ReplayStore interface {
	Get(ctx context.Context, applicationID string) (*models.ScreeningResult, error)
	MarkRequeued(ctx context.Context, tx *gorm.DB, applicationID string) error
	RevertRequeued(ctx context.Context, tx *gorm.DB, applicationID, reason string) error
}

// RecommendationReplayStore 推荐失败记录的重放操作，*storage.RecommendationStore 实现该接口
type RecommendationReplayStore interface {
	GetFailure(ctx context.Context, jobID, applicationID string) (*models.RecommendationResult, error)
	MarkRequeued(ctx context.Context, tx *gorm.DB, jobID, applicationID string) error
	RevertRequeued(ctx context.Context, tx *gorm.DB, jobID, applicationID, reason string) error
}

// RequeueRequest 人工重放请求。JobID 非空时重放该岗位下的推荐打分。
type RequeueRequest struct {
	ApplicationID string `json:"application_id"`
	JobID         string `json:"job_id,omitempty"`
	// OriginalMessage 为空时使用保存的原始消息
	OriginalMessage json.RawMessage `json:"original_message"`
}

// Recovery 人工重放失败任务。状态重置和 outbox 写入在同一事务内完成，由 outbox 中继投递。
type Recovery struct {
	db              *gorm.DB
	results         ReplayStore
	recommendations RecommendationReplayStore
	queue           string
	log             zerolog.Logger
}

// NewRecovery 创建重放服务，recommendations 为空时不支持推荐重放
func NewRecovery(db *gorm.DB, results ReplayStore, recommendations RecommendationReplayStore, queue string) *Recovery {
	return &Recovery{
		db:              db,
		results:         results,
		recommendations: recommendations,
		queue:           queue,
		log:             logger.Named("recovery"),
	}
}

// Requeue 校验请求并把原始消息写入 outbox，重试计数从 0 开始。
// 返回 ErrInvalidReplay、storage.ErrResultNotFound 或 storage.ErrNotReplayable。
func (r *Recovery) Requeue(ctx context.Context, req RequeueRequest) error {
	applicationID := strings.TrimSpace(req.ApplicationID)
	if applicationID == "" {
		return fmt.Errorf("%w: application_id 不能为空", ErrInvalidReplay)
	}
	jobID := strings.TrimSpace(req.JobID)

	var stored []byte
	if jobID != "" {
		if r.recommendations == nil {
			return fmt.Errorf("%w: 未配置推荐结果存储", ErrInvalidReplay)
		}
		row, err := r.recommendations.GetFailure(ctx, jobID, applicationID)
		if err != nil {
			return err
		}
		stored = row.OriginalMessage
	} else {
		row, err := r.results.Get(ctx, applicationID)
		if err != nil {
			return err
		}
		stored = row.OriginalMessage
	}

	body := []byte(req.OriginalMessage)
	if len(bytes.TrimSpace(body)) == 0 || string(bytes.TrimSpace(body)) == "null" {
		body = stored
	}
	if len(body) == 0 {
		return fmt.Errorf("%w: 没有可重放的原始消息", ErrInvalidReplay)
	}

	job, err := Decode(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReplay, err)
	}
	if job.Fields().ApplicationID != applicationID {
		return fmt.Errorf("%w: 原始消息的 application_id %q 与请求不一致", ErrInvalidReplay, job.Fields().ApplicationID)
	}
	rec, isRecommendation := job.(types.RecommendationJob)
	switch {
	case isRecommendation && rec.JobID != jobID:
		return fmt.Errorf("%w: 推荐消息的 job_id %q 与请求不一致", ErrInvalidReplay, rec.JobID)
	case !isRecommendation && jobID != "":
		return fmt.Errorf("%w: job_id 只用于推荐消息", ErrInvalidReplay)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReplay, err)
	}
	headers, err := models.ToJSON(map[string]int{constants.HeaderRetryCount: 0})
	if err != nil {
		return err
	}
	eventType := constants.OutboxEventReplay
	if isRecommendation {
		eventType = constants.OutboxEventRecommendationReplay
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var markErr error
		if isRecommendation {
			markErr = r.recommendations.MarkRequeued(ctx, tx, jobID, applicationID)
		} else {
			markErr = r.results.MarkRequeued(ctx, tx, applicationID)
		}
		if markErr != nil {
			return markErr
		}
		return tx.Create(&models.OutboxMessage{
			AggregateID:      applicationID,
			EventType:        eventType,
			Payload:          compact.String(),
			Headers:          headers,
			TargetRoutingKey: r.queue,
			Status:           constants.OutboxStatusPending,
		}).Error
	})
	if err != nil {
		return err
	}

	r.log.Info().Str("application_id", applicationID).Str("job_id", jobID).Str("source", string(job.Source())).Msg("已提交人工重放")
	return nil
}

// RevertReplay 在 outbox 消息最终投递失败时调用，把 requeued 改回 failed，之后可以再次重放。
// tx 是中继标记 FAILED 的事务。
func (r *Recovery) RevertReplay(ctx context.Context, tx *gorm.DB, msg *models.OutboxMessage) error {
	reason := fmt.Sprintf("重放消息投递失败: %s", msg.ErrorMessage)
	switch msg.EventType {
	case constants.OutboxEventReplay:
		return r.results.RevertRequeued(ctx, tx, msg.AggregateID, reason)
	case constants.OutboxEventRecommendationReplay:
		job, err := Decode([]byte(msg.Payload))
		rec, ok := job.(types.RecommendationJob)
		if err != nil || !ok || r.recommendations == nil {
			r.log.Warn().Err(err).Uint64("outbox_id", msg.ID).Msg("无法解析推荐重放消息，跳过状态恢复")
			return nil
		}
		return r.recommendations.RevertRequeued(ctx, tx, rec.JobID, msg.AggregateID, reason)
	}
	return nil
}
