package screening

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/metrics"
	"ai-screener-go/internal/scorer"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/storage/models"
	"ai-screener-go/internal/types"

	"golang.org/x/sync/errgroup"
)

// Outcome 一次打分的结果
type Outcome struct {
	Score     float64
	SubScores SubScores
	Reasoning types.Reasoning
	ParsedCV  string
}

// Pipeline 读取简历、并行调用子评分、融合并写入对应的存储
type Pipeline struct {
	resumes storage.ResumeSource
	rubric  RubricScorer
	results ResultWriter

	keyword         SimilarityScorer
	vector          SimilarityScorer
	requirements    RequirementAnalyzer
	normalizer      Normalizer
	recommendations RecommendationWriter
}

// NewPipeline 创建打分流程，简历来源、评估器和结果存储是必需的
func NewPipeline(resumes storage.ResumeSource, rubric RubricScorer, results ResultWriter, opts ...PipelineOption) (*Pipeline, error) {
	if resumes == nil || rubric == nil || results == nil {
		return nil, fmt.Errorf("简历来源、评估器和结果存储不能为空")
	}
	p := &Pipeline{resumes: resumes, rubric: rubric, results: results}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process 打分并保存结果
func (p *Pipeline) Process(ctx context.Context, job types.ScreeningJob) (*Outcome, error) {
	outcome, err := p.Score(ctx, job)
	if err != nil {
		return nil, err
	}
	if err := p.Save(ctx, job, outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// Score 计算最终得分，不写存储。评估器失败时整体失败，关键词和向量失败降级为 0 分。
func (p *Pipeline) Score(ctx context.Context, job types.ScreeningJob) (*Outcome, error) {
	f := job.Fields()
	log := logger.Ctx(ctx)

	rawCV, err := p.resumes.ReadResume(ctx, f.ResumePath)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidResumePath) || errors.Is(err, storage.ErrResumeTooLarge) {
			return nil, malformed(f.ApplicationID, "read_resume", err)
		}
		return nil, newError(f.ApplicationID, "read_resume", KindTransient, err)
	}

	parsedCV := rawCV
	if p.normalizer != nil {
		parsedCV = p.normalizer.Normalize(ctx, rawCV)
	}
	if parsedCV == "" {
		return nil, malformed(f.ApplicationID, "read_resume", fmt.Errorf("简历内容为空: %s", f.ResumePath))
	}

	var weights types.RequirementWeights
	if p.requirements != nil {
		weights, err = p.requirements.Analyze(ctx, f.JobDescription)
		if err != nil {
			metrics.SubScorerFailed("requirements")
			log.Warn().Err(err).Msg("岗位权重分析失败，由评估器自行判断权重")
			weights = nil
		}
	}

	var eval *types.RubricEvaluation
	var keywordScore, vectorScore *float64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		eval, err = p.rubric.Evaluate(gctx, scorer.RubricInput{
			JobDescription: f.JobDescription,
			JobSkills:      f.JobSkills,
			Resume:         parsedCV,
			Weights:        weights,
		})
		if err != nil {
			metrics.SubScorerFailed("rubric")
			if errors.Is(err, scorer.ErrInvalidAIOutput) {
				return newError(f.ApplicationID, "rubric", KindAIOutput, err)
			}
			return newError(f.ApplicationID, "rubric", KindTransient, err)
		}
		return nil
	})
	if p.keyword != nil {
		g.Go(func() error {
			keywordScore = p.optionalScore(gctx, "keyword", p.keyword, f.JobDescription, parsedCV)
			return nil
		})
	}
	if p.vector != nil {
		g.Go(func() error {
			vectorScore = p.optionalScore(gctx, "vector", p.vector, f.JobDescription, parsedCV)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rubricScore := eval.OverallScore
	sub := SubScores{Rubric: &rubricScore, Keyword: keywordScore, Vector: vectorScore}
	final := FuseScores(sub)

	log.Info().
		Float64("rubric", rubricScore).
		Float64("keyword", valueOrZero(keywordScore)).
		Float64("vector", valueOrZero(vectorScore)).
		Float64("score", final).
		Msg("打分完成")

	return &Outcome{
		Score:     final,
		SubScores: sub,
		ParsedCV:  parsedCV,
		Reasoning: types.Reasoning{
			ScoreBreakdown:  eval.ScoreBreakdown,
			Strengths:       eval.Strengths,
			CriticalGaps:    eval.CriticalGaps,
			MissingCriteria: eval.MissingCriteria,
			RubricScore:     rubricScore,
			KeywordScore:    valueOrZero(keywordScore),
			VectorScore:     valueOrZero(vectorScore),
		},
	}, nil
}

// optionalScore 子评分失败时记录并返回 nil，融合时按 0 计
func (p *Pipeline) optionalScore(ctx context.Context, name string, s SimilarityScorer, jd, cv string) *float64 {
	v, err := s.Score(ctx, jd, cv)
	if err != nil {
		metrics.SubScorerFailed(name)
		event := logger.Ctx(ctx).Warn()
		if errors.Is(err, scorer.ErrNoSignal) {
			event = logger.Ctx(ctx).Info()
		}
		event.Err(err).Str("scorer", name).Msg("子评分不可用，按0分计")
		return nil
	}
	return &v
}

// Save 按来源写入结果：web/bulk 幂等更新筛选结果，recommendation 追加推荐记录
func (p *Pipeline) Save(ctx context.Context, job types.ScreeningJob, outcome *Outcome) error {
	f := job.Fields()
	reasoning, err := models.ToJSON(outcome.Reasoning)
	if err != nil {
		return newError(f.ApplicationID, "save", KindTransient, fmt.Errorf("序列化评分依据失败: %w", err))
	}

	switch j := job.(type) {
	case types.RecommendationJob:
		if p.recommendations == nil {
			return newError(f.ApplicationID, "save", KindTransient, fmt.Errorf("未配置推荐结果存储"))
		}
		err = p.recommendations.Append(ctx, &models.RecommendationResult{
			JobID:         j.JobID,
			ApplicationID: f.ApplicationID,
			Score:         outcome.Score,
			Reasoning:     reasoning,
			Status:        constants.StatusCompleted,
		})
	default:
		score := outcome.Score
		err = p.results.Upsert(ctx, &models.ScreeningResult{
			ApplicationID: f.ApplicationID,
			Source:        string(job.Source()),
			Status:        constants.StatusCompleted,
			Score:         &score,
			Reasoning:     reasoning,
			ParsedCV:      outcome.ParsedCV,
		})
	}
	if err != nil {
		return newError(f.ApplicationID, "save", KindTransient, err)
	}
	return nil
}

// RecordFailure 保存失败状态和原始消息，供人工重放。
// recommendation 来源写入推荐存储，不影响同一投递的筛选结果。
func (p *Pipeline) RecordFailure(ctx context.Context, job types.ScreeningJob, body []byte, cause error) error {
	f := job.Fields()
	if j, ok := job.(types.RecommendationJob); ok {
		if p.recommendations == nil {
			return fmt.Errorf("未配置推荐结果存储")
		}
		return p.recommendations.RecordFailure(ctx, &models.RecommendationResult{
			JobID:           j.JobID,
			ApplicationID:   f.ApplicationID,
			Status:          constants.StatusFailed,
			ErrorMessage:    truncateError(cause.Error()),
			OriginalMessage: body,
		})
	}
	return p.results.Upsert(ctx, &models.ScreeningResult{
		ApplicationID:   f.ApplicationID,
		Source:          string(job.Source()),
		Status:          constants.StatusFailed,
		ErrorMessage:    truncateError(cause.Error()),
		OriginalMessage: body,
	})
}

func truncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= constants.MaxStoredErrorLength {
		return msg
	}
	return string([]rune(msg)[:constants.MaxStoredErrorLength])
}
