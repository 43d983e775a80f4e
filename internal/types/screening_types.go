package types

import "encoding/json"

// Source 筛选任务来源
type Source string

const (
	// SourceWeb 候选人在官网投递
	SourceWeb Source = "web"
	// SourceBulk HR 批量导入
	SourceBulk Source = "bulk"
	// SourceRecommendation 岗位维度的批量推荐打分
	SourceRecommendation Source = "recommendation"
)

// Valid 是否为已知来源
func (s Source) Valid() bool {
	switch s {
	case SourceWeb, SourceBulk, SourceRecommendation:
		return true
	}
	return false
}

// ScreeningMessage 队列消息的 JSON 结构
type ScreeningMessage struct {
	ApplicationID  string          `json:"application_id"`
	JobDescription string          `json:"job_description"`
	JobSkills      json.RawMessage `json:"job_skills,omitempty"`
	ResumePath     string          `json:"resume_path"`
	Source         string          `json:"source,omitempty"`
	// From 旧版发布方使用的来源字段
	From  string `json:"from,omitempty"`
	JobID string `json:"job_id,omitempty"`
}

// JobFields 各来源共有的字段
type JobFields struct {
	ApplicationID  string
	JobDescription string
	// JobSkills 已归一化为文本，结构化技能表按 key 排序展开
	JobSkills  string
	ResumePath string
}

// ScreeningJob 按 source 区分的筛选任务
type ScreeningJob interface {
	Fields() JobFields
	Source() Source
}

// WebJob 官网投递
type WebJob struct {
	JobFields
}

// Fields 共有字段
func (j WebJob) Fields() JobFields { return j.JobFields }

// Source 来源
func (WebJob) Source() Source { return SourceWeb }

// BulkJob 批量导入
type BulkJob struct {
	JobFields
}

// Fields 共有字段
func (j BulkJob) Fields() JobFields { return j.JobFields }

// Source 来源
func (BulkJob) Source() Source { return SourceBulk }

// RecommendationJob 推荐打分，结果按 JobID 追加保存
type RecommendationJob struct {
	JobFields
	JobID string
}

// Fields 共有字段
func (j RecommendationJob) Fields() JobFields { return j.JobFields }

// Source 来源
func (RecommendationJob) Source() Source { return SourceRecommendation }

// CriterionAssessment 评分细则中的单项
type CriterionAssessment struct {
	Criterion       string   `json:"criterion"`
	Score           *float64 `json:"score,omitempty"`
	Weight          *float64 `json:"weight,omitempty"`
	Evidence        []string `json:"evidence,omitempty"`
	MissingElements []string `json:"missing_elements,omitempty"`
}

// RubricEvaluation 评估器返回的结构化结果
type RubricEvaluation struct {
	OverallScore    float64               `json:"overall_score"`
	ScoreBreakdown  []CriterionAssessment `json:"score_breakdown"`
	Strengths       []string              `json:"strengths,omitempty"`
	CriticalGaps    []string              `json:"critical_gaps,omitempty"`
	MissingCriteria []string              `json:"missing_criteria,omitempty"`
}

// Reasoning 持久化到 reasoning 列的内容
type Reasoning struct {
	ScoreBreakdown  []CriterionAssessment `json:"score_breakdown"`
	Strengths       []string              `json:"strengths,omitempty"`
	CriticalGaps    []string              `json:"critical_gaps,omitempty"`
	MissingCriteria []string              `json:"missing_criteria,omitempty"`
	RubricScore     float64               `json:"rubric_score"`
	KeywordScore    float64               `json:"keyword_score"`
	VectorScore     float64               `json:"vector_score"`
}

// RequirementWeights JD 各类别权重，总和约为 100
type RequirementWeights map[string]float64

// KeywordSet LLM 提取出的关键词
type KeywordSet struct {
	ResumeKeywords []string `json:"resume_keywords"`
	JobKeywords    []string `json:"job_keywords"`
}
