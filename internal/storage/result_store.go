package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/storage/models"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrResultNotFound 没有该投递的筛选结果
	ErrResultNotFound = errors.New("筛选结果不存在")
	// ErrNotReplayable 结果不处于 failed 状态，不能重新入队
	ErrNotReplayable = errors.New("筛选结果不是失败状态，不能重新入队")
)

// ResultStore 筛选结果表的读写
type ResultStore struct {
	db *gorm.DB
}

// NewResultStore 创建结果存储
func NewResultStore(db *gorm.DB) *ResultStore {
	return &ResultStore{db: db}
}

// completedAssignments 成功结果的更新列。old_score 必须排在 score 之前，才能取到更新前的值。
func completedAssignments() clause.Set {
	return clause.Set{
		{Column: clause.Column{Name: "old_score"}, Value: gorm.Expr("IF(score IS NULL, old_score, score)")},
		{Column: clause.Column{Name: "score"}, Value: gorm.Expr("VALUES(score)")},
		{Column: clause.Column{Name: "status"}, Value: gorm.Expr("VALUES(status)")},
		{Column: clause.Column{Name: "source"}, Value: gorm.Expr("VALUES(source)")},
		{Column: clause.Column{Name: "reasoning"}, Value: gorm.Expr("VALUES(reasoning)")},
		{Column: clause.Column{Name: "parsed_cv"}, Value: gorm.Expr("VALUES(parsed_cv)")},
		{Column: clause.Column{Name: "error_message"}, Value: ""},
		{Column: clause.Column{Name: "original_message"}, Value: nil},
		{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("VALUES(updated_at)")},
	}
}

// failedAssignments 失败结果保留已有分数和评分依据，parsed_cv 只属于成功结果
func failedAssignments() clause.Set {
	return clause.Set{
		{Column: clause.Column{Name: "status"}, Value: gorm.Expr("VALUES(status)")},
		{Column: clause.Column{Name: "error_message"}, Value: gorm.Expr("VALUES(error_message)")},
		{Column: clause.Column{Name: "original_message"}, Value: gorm.Expr("VALUES(original_message)")},
		{Column: clause.Column{Name: "parsed_cv"}, Value: ""},
		{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("VALUES(updated_at)")},
	}
}

// Upsert 按 application_id 插入或更新一行，单条 INSERT ... ON DUPLICATE KEY UPDATE。
// 重复写入同一结果不会产生第二行；按处理顺序后写覆盖先写。
func (s *ResultStore) Upsert(ctx context.Context, result *models.ScreeningResult) error {
	if result == nil || result.ApplicationID == "" {
		return fmt.Errorf("application_id 不能为空")
	}

	ctx, span := mysqlTracer.Start(ctx, "ResultStore.Upsert",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.operation", "INSERT_ON_DUPLICATE"),
			attribute.String("db.sql.table", models.ScreeningResult{}.TableName()),
			attribute.String("application_id", result.ApplicationID),
			attribute.String("screening.status", result.Status),
		))
	defer span.End()

	row := *result
	row.ID = 0
	var updates clause.Set
	switch row.Status {
	case constants.StatusCompleted:
		row.ErrorMessage = ""
		row.OriginalMessage = nil
		updates = completedAssignments()
	case constants.StatusFailed:
		// 首次写入即失败时不带分数
		row.Score = nil
		row.OldScore = nil
		row.ParsedCV = ""
		updates = failedAssignments()
	default:
		return fmt.Errorf("不支持写入的筛选状态: %q", row.Status)
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "application_id"}},
		DoUpdates: updates,
	}).Create(&row).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("写入筛选结果失败: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Get 读取一条筛选结果
func (s *ResultStore) Get(ctx context.Context, applicationID string) (*models.ScreeningResult, error) {
	var row models.ScreeningResult
	err := s.db.WithContext(ctx).Where("application_id = ?", applicationID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询筛选结果失败: %w", err)
	}
	return &row, nil
}

// MarkRequeued 仅当状态为 failed 时改为 requeued，tx 为空时使用默认连接
func (s *ResultStore) MarkRequeued(ctx context.Context, tx *gorm.DB, applicationID string) error {
	db := s.db
	if tx != nil {
		db = tx
	}
	res := db.WithContext(ctx).Model(&models.ScreeningResult{}).
		Where("application_id = ? AND status = ?", applicationID, constants.StatusFailed).
		Update("status", constants.StatusRequeued)
	if res.Error != nil {
		return fmt.Errorf("更新筛选状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotReplayable
	}
	return nil
}

// RevertRequeued 重放消息最终未能投递时，把 requeued 改回 failed 以便再次重放。
// 行已被重新处理（不再是 requeued）时不做修改。
func (s *ResultStore) RevertRequeued(ctx context.Context, tx *gorm.DB, applicationID, reason string) error {
	db := s.db
	if tx != nil {
		db = tx
	}
	err := db.WithContext(ctx).Model(&models.ScreeningResult{}).
		Where("application_id = ? AND status = ?", applicationID, constants.StatusRequeued).
		Updates(map[string]interface{}{
			"status":        constants.StatusFailed,
			"error_message": reason,
		}).Error
	if err != nil {
		return fmt.Errorf("恢复筛选失败状态失败: %w", err)
	}
	return nil
}

// EditScore 人工修改分数，原分数移入 old_score
func (s *ResultStore) EditScore(ctx context.Context, applicationID string, score float64, comment string) error {
	res := s.db.WithContext(ctx).Exec(
		"UPDATE `screening_results` SET `old_score` = `score`, `score` = ?, `comment` = ?, `updated_at` = ? WHERE `application_id` = ?",
		score, comment, time.Now(), applicationID,
	)
	if res.Error != nil {
		return fmt.Errorf("修改分数失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrResultNotFound
	}
	return nil
}

// ListFailed 按 id 升序分页返回 failed 状态的投递 id，afterID 为上一页最后一条的 id
func (s *ResultStore) ListFailed(ctx context.Context, afterID uint64, limit int) ([]models.ScreeningResult, error) {
	var rows []models.ScreeningResult
	err := s.db.WithContext(ctx).
		Select("id", "application_id", "updated_at").
		Where("status = ? AND id > ?", constants.StatusFailed, afterID).
		Order("id asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询失败结果失败: %w", err)
	}
	return rows, nil
}
