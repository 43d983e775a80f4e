package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/storage/models"

	"gorm.io/gorm"
)

// RecommendationStore 推荐打分表。成功结果只追加，失败状态按 (job_id, application_id) 单独保存，
// 不写入筛选结果表。
type RecommendationStore struct {
	db *gorm.DB
}

// NewRecommendationStore 创建推荐结果存储
func NewRecommendationStore(db *gorm.DB) *RecommendationStore {
	return &RecommendationStore{db: db}
}

func pendingStatuses() []string {
	return []string{constants.StatusFailed, constants.StatusRequeued}
}

func (s *RecommendationStore) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

// Append 追加一条成功的推荐结果，并在同一事务中清除该投递在此岗位下的失败记录
func (s *RecommendationStore) Append(ctx context.Context, result *models.RecommendationResult) error {
	if result == nil || result.JobID == "" {
		return fmt.Errorf("job_id 不能为空")
	}
	row := *result
	row.ID = 0
	row.Status = constants.StatusCompleted
	row.ErrorMessage = ""
	row.OriginalMessage = nil

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ? AND application_id = ? AND status IN ?", row.JobID, row.ApplicationID, pendingStatuses()).
			Delete(&models.RecommendationResult{}).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("写入推荐结果失败: %w", err)
	}
	return nil
}

// RecordFailure 保存推荐打分的失败状态和原始消息。已有未完成记录时覆盖，否则插入。
func (s *RecommendationStore) RecordFailure(ctx context.Context, result *models.RecommendationResult) error {
	if result == nil || result.JobID == "" || result.ApplicationID == "" {
		return fmt.Errorf("job_id 和 application_id 不能为空")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.RecommendationResult{}).
			Where("job_id = ? AND application_id = ? AND status IN ?", result.JobID, result.ApplicationID, pendingStatuses()).
			Updates(map[string]interface{}{
				"status":           constants.StatusFailed,
				"error_message":    result.ErrorMessage,
				"original_message": result.OriginalMessage,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&models.RecommendationResult{
			JobID:           result.JobID,
			ApplicationID:   result.ApplicationID,
			Status:          constants.StatusFailed,
			ErrorMessage:    result.ErrorMessage,
			OriginalMessage: result.OriginalMessage,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("写入推荐失败状态失败: %w", err)
	}
	return nil
}

// GetFailure 读取该投递在岗位下未完成的推荐记录，没有时返回 ErrResultNotFound
func (s *RecommendationStore) GetFailure(ctx context.Context, jobID, applicationID string) (*models.RecommendationResult, error) {
	var row models.RecommendationResult
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND application_id = ? AND status IN ?", jobID, applicationID, pendingStatuses()).
		Order("id desc").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询推荐失败记录失败: %w", err)
	}
	return &row, nil
}

// MarkRequeued 仅当状态为 failed 时改为 requeued
func (s *RecommendationStore) MarkRequeued(ctx context.Context, tx *gorm.DB, jobID, applicationID string) error {
	res := s.conn(tx).WithContext(ctx).Model(&models.RecommendationResult{}).
		Where("job_id = ? AND application_id = ? AND status = ?", jobID, applicationID, constants.StatusFailed).
		Update("status", constants.StatusRequeued)
	if res.Error != nil {
		return fmt.Errorf("更新推荐状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotReplayable
	}
	return nil
}

// RevertRequeued 重放消息最终未能投递时把 requeued 改回 failed
func (s *RecommendationStore) RevertRequeued(ctx context.Context, tx *gorm.DB, jobID, applicationID, reason string) error {
	err := s.conn(tx).WithContext(ctx).Model(&models.RecommendationResult{}).
		Where("job_id = ? AND application_id = ? AND status = ?", jobID, applicationID, constants.StatusRequeued).
		Updates(map[string]interface{}{
			"status":        constants.StatusFailed,
			"error_message": reason,
		}).Error
	if err != nil {
		return fmt.Errorf("恢复推荐失败状态失败: %w", err)
	}
	return nil
}

// ListFailed 按 id 升序分页列出失败的推荐记录，只取重放需要的列
func (s *RecommendationStore) ListFailed(ctx context.Context, afterID uint64, limit int) ([]models.RecommendationResult, error) {
	var rows []models.RecommendationResult
	err := s.db.WithContext(ctx).
		Select("id", "job_id", "application_id", "updated_at").
		Where("status = ? AND id > ?", constants.StatusFailed, afterID).
		Order("id asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询推荐失败记录失败: %w", err)
	}
	return rows, nil
}

// ListByJob 返回岗位下成功的推荐结果，同一投递只保留最早一条，按分数降序
func (s *RecommendationStore) ListByJob(ctx context.Context, jobID string) ([]models.RecommendationResult, error) {
	var rows []models.RecommendationResult
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, constants.StatusCompleted).
		Order("created_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询推荐结果失败: %w", err)
	}
	return RankRecommendations(rows), nil
}

// RankRecommendations 输入需按写入顺序排列
func RankRecommendations(rows []models.RecommendationResult) []models.RecommendationResult {
	seen := make(map[string]struct{}, len(rows))
	out := make([]models.RecommendationResult, 0, len(rows))
	for _, r := range rows {
		if _, ok := seen[r.ApplicationID]; ok {
			continue
		}
		seen[r.ApplicationID] = struct{}{}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}
