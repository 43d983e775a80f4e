package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ScreeningResult 每个投递一行的筛选结果
type ScreeningResult struct {
	ID              uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	ApplicationID   string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_sr_application_id" json:"application_id"`
	Source          string         `gorm:"type:varchar(20)" json:"source"`
	Status          string         `gorm:"type:varchar(20);not null;index:idx_sr_status" json:"status"`
	Score           *float64       `gorm:"type:decimal(4,1)" json:"score"`
	OldScore        *float64       `gorm:"type:decimal(4,1)" json:"old_score"`
	Reasoning       datatypes.JSON `gorm:"type:json" json:"reasoning,omitempty"`
	ParsedCV        string         `gorm:"type:mediumtext" json:"parsed_cv,omitempty"`
	Comment         string         `gorm:"type:text" json:"comment,omitempty"`
	ErrorMessage    string         `gorm:"type:text" json:"error_message,omitempty"`
	OriginalMessage datatypes.JSON `gorm:"type:json" json:"original_message,omitempty"`
	CreatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime" json:"updated_at"`
}

func (ScreeningResult) TableName() string {
	return "screening_results"
}

// RecommendationResult 岗位推荐打分。completed 行只追加；
// failed/requeued 行按 (job_id, application_id) 至多一条，成功后删除。
type RecommendationResult struct {
	ID              uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID           string         `gorm:"type:varchar(64);not null;index:idx_rr_job_id_created_at,priority:1" json:"job_id"`
	ApplicationID   string         `gorm:"type:varchar(64);not null;index:idx_rr_application_id" json:"application_id"`
	Score           float64        `gorm:"type:decimal(4,1);not null" json:"score"`
	Reasoning       datatypes.JSON `gorm:"type:json" json:"reasoning,omitempty"`
	Status          string         `gorm:"type:varchar(20);not null" json:"status"`
	ErrorMessage    string         `gorm:"type:text" json:"error_message,omitempty"`
	OriginalMessage datatypes.JSON `gorm:"type:json" json:"original_message,omitempty"`
	CreatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_rr_job_id_created_at,priority:2" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime" json:"updated_at"`
}

func (RecommendationResult) TableName() string {
	return "recommendation_results"
}

// ToJSON 序列化为 datatypes.JSON，nil 值返回 nil
func ToJSON(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}
