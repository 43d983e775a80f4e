package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/tracing"
	"ai-screener-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// RubricInput 评估器的输入
type RubricInput struct {
	JobDescription string
	JobSkills      string
	Resume         string
	// Weights 为空时由模型自行判断各类别权重
	Weights types.RequirementWeights
}

// rubricOutput 用指针区分缺失字段和 0 分
type rubricOutput struct {
	OverallScore    *flexFloat                  `json:"overall_score"`
	ScoreBreakdown  []types.CriterionAssessment `json:"score_breakdown"`
	Strengths       []string                    `json:"strengths"`
	CriticalGaps    []string                    `json:"critical_gaps"`
	MissingCriteria []string                    `json:"missing_criteria"`
}

// RubricEvaluator 按评分细则让大模型给简历打分
type RubricEvaluator struct {
	model          model.BaseChatModel
	promptTemplate string
	systemPrompt   string
}

// RubricOption 评估器选项
type RubricOption func(*RubricEvaluator)

// WithRubricPromptTemplate 自定义提示词模板，依次填入岗位描述、技能要求、权重、简历
func WithRubricPromptTemplate(template string) RubricOption {
	return func(e *RubricEvaluator) {
		e.promptTemplate = template
	}
}

// WithRubricSystemPrompt 自定义 system message
func WithRubricSystemPrompt(prompt string) RubricOption {
	return func(e *RubricEvaluator) {
		e.systemPrompt = prompt
	}
}

// NewRubricEvaluator 创建评估器
func NewRubricEvaluator(chatModel model.BaseChatModel, opts ...RubricOption) *RubricEvaluator {
	e := &RubricEvaluator{
		model:          chatModel,
		promptTemplate: defaultRubricPrompt,
		systemPrompt:   "你是一位资深的AI招聘专家，负责按评分细则评估候选人简历与岗位要求的匹配度，只输出JSON。",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

const defaultRubricPrompt = `请根据下面的【岗位描述】、【技能要求】和【类别权重】评估【候选人简历】，并严格按JSON格式输出评分结果。
如果简历内容是岗位描述的直接复制，overall_score 必须为 0。

**评估步骤：**
1. 细则映射：从岗位描述中识别至少5项关键评估细则，把简历内容映射到每一项，没有对应内容的细则标记为缺失。
2. 单项评分：每项细则按下列标准打分 (0-100)：
   - 100 = 完全满足且有明确证据
   - 75 = 基本满足，存在小的差距
   - 50 = 部分满足，存在明显差距
   - 25 = 勉强沾边
   - 0 = 没有相关证据
3. 权重汇总：weighted_score = 单项分 × 所属类别权重，所有 weighted_score 之和即 overall_score，范围 [0,100]。

**输出格式：**
{
  "overall_score": 保留1位小数的数字,
  "score_breakdown": [
    {"criterion": "细则名称", "evidence": ["简历原文引用"], "missing_elements": ["缺失内容"]}
  ],
  "strengths": ["优势"],
  "critical_gaps": ["关键差距"],
  "missing_criteria": ["完全缺失的细则"]
}

**规则：**
- 只输出合法JSON，不要输出markdown或任何额外文本。
- 所有字段名和字符串值使用双引号，字符串内的双引号必须转义为 \"。
- evidence 必须引用简历原文，禁止编造简历内容。

【岗位描述】:
"""
%s
"""

【技能要求】:
"""
%s
"""

【类别权重】:
%s

【候选人简历】:
"""
%s
"""`

// Evaluate 调用模型评估。模型调用失败原样返回，输出无法使用时返回 ErrInvalidAIOutput。
func (e *RubricEvaluator) Evaluate(ctx context.Context, in RubricInput) (*types.RubricEvaluation, error) {
	if e.model == nil {
		return nil, fmt.Errorf("RubricEvaluator: 模型未初始化")
	}

	userPrompt := fmt.Sprintf(e.promptTemplate, in.JobDescription, in.JobSkills, formatWeights(in.Weights), in.Resume)
	messages := []*schema.Message{
		schema.SystemMessage(e.systemPrompt),
		schema.UserMessage(userPrompt),
	}

	log := logger.Ctx(ctx)
	log.Debug().Str("component", "rubric_evaluator").Int("prompt_len", len(userPrompt)).Msg("调用评分模型")

	resp, err := e.model.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("RubricEvaluator: 模型调用失败: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("%w: 模型返回空内容", ErrInvalidAIOutput)
	}

	eval, err := parseRubricOutput(resp.Content)
	if err != nil {
		log.Warn().Str("component", "rubric_evaluator").Err(err).Str("content", tracing.SafeModelOutput(resp.Content)).Msg("评分模型输出无效")
		return nil, err
	}
	return eval, nil
}

// parseRubricOutput 解析并校验模型输出
func parseRubricOutput(content string) (*types.RubricEvaluation, error) {
	var out rubricOutput
	if err := decodeModelJSON(content, &out); err != nil {
		if err == errNoJSON {
			return nil, err
		}
		return nil, fmt.Errorf("%w: JSON解析失败: %v", ErrInvalidAIOutput, err)
	}
	if out.OverallScore == nil {
		return nil, fmt.Errorf("%w: 缺少 overall_score", ErrInvalidAIOutput)
	}
	score := float64(*out.OverallScore)
	if math.IsNaN(score) || score < 0 || score > 100 {
		return nil, fmt.Errorf("%w: overall_score 超出范围: %v", ErrInvalidAIOutput, score)
	}
	return &types.RubricEvaluation{
		OverallScore:    score,
		ScoreBreakdown:  out.ScoreBreakdown,
		Strengths:       out.Strengths,
		CriticalGaps:    out.CriticalGaps,
		MissingCriteria: out.MissingCriteria,
	}, nil
}

// formatWeights 按类别名排序输出，保证相同权重得到相同提示词
func formatWeights(w types.RequirementWeights) string {
	if len(w) == 0 {
		return "未提供，请根据岗位描述自行判断"
	}
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]string, 0, len(keys))
	for _, k := range keys {
		name, _ := json.Marshal(k)
		ordered = append(ordered, fmt.Sprintf("%s: %g", name, w[k]))
	}
	return "{" + strings.Join(ordered, ", ") + "}"
}
