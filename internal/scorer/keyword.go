package scorer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const keywordPrompt = `从简历和岗位描述中提取技术关键词，规则如下：
1. 返回JSON，包含 "resume_keywords" 和 "job_keywords" 两个数组。
2. 只包含技术术语、工具和技能。
3. 使用小写和单数形式。
4. 去掉 "communication" 这类泛泛的词。
5. 输出示例：
{"resume_keywords": ["python", "machine learning", "sql"], "job_keywords": ["python", "data analysis", "aws"]}

简历：
%s

岗位描述：
%s`

// KeywordScorer 关键词重合度子评分
type KeywordScorer struct {
	model  model.BaseChatModel
	factor float64
	cache  Cache
	ttl    time.Duration
}

// NewKeywordScorer 创建关键词评分器，factor 为返回前乘上的内部系数
func NewKeywordScorer(chatModel model.BaseChatModel, factor float64, cache Cache, ttl time.Duration) *KeywordScorer {
	return &KeywordScorer{model: chatModel, factor: factor, cache: cache, ttl: ttl}
}

// Score 返回 匹配百分比 × factor。岗位没有关键词时返回 ErrNoSignal。
func (s *KeywordScorer) Score(ctx context.Context, jobDescription, resume string) (float64, error) {
	key := storage.HashKey(constants.KeyKeywordScore, jobDescription, resume)
	var cached float64
	if cacheGet(ctx, s.cache, key, &cached) {
		return cached, nil
	}

	keywords, err := s.Extract(ctx, jobDescription, resume)
	if err != nil {
		return 0, err
	}
	pct, err := KeywordMatchPercent(keywords.ResumeKeywords, keywords.JobKeywords)
	if err != nil {
		return 0, err
	}

	score := pct * s.factor
	if err := cacheSet(ctx, s.cache, key, score, s.ttl); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("写入关键词评分缓存失败")
	}
	return score, nil
}

// Extract 让模型提取两侧关键词，结果已小写去重
func (s *KeywordScorer) Extract(ctx context.Context, jobDescription, resume string) (*types.KeywordSet, error) {
	resp, err := s.model.Generate(ctx, []*schema.Message{
		schema.UserMessage(fmt.Sprintf(keywordPrompt, resume, jobDescription)),
	})
	if err != nil {
		return nil, fmt.Errorf("提取关键词失败: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: 模型返回空内容", ErrInvalidAIOutput)
	}

	var set types.KeywordSet
	if err := decodeModelJSON(resp.Content, &set); err != nil {
		if err == errNoJSON {
			return nil, err
		}
		return nil, fmt.Errorf("%w: 关键词解析失败: %v", ErrInvalidAIOutput, err)
	}
	set.ResumeKeywords = normalizeKeywords(set.ResumeKeywords)
	set.JobKeywords = normalizeKeywords(set.JobKeywords)
	return &set, nil
}

// KeywordMatchPercent |简历∩岗位| / |岗位| × 100
func KeywordMatchPercent(resumeKeywords, jobKeywords []string) (float64, error) {
	job := normalizeKeywords(jobKeywords)
	if len(job) == 0 {
		return 0, fmt.Errorf("%w: 岗位没有关键词", ErrNoSignal)
	}
	have := make(map[string]struct{}, len(resumeKeywords))
	for _, kw := range normalizeKeywords(resumeKeywords) {
		have[kw] = struct{}{}
	}
	matched := 0
	for _, kw := range job {
		if _, ok := have[kw]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(job)) * 100, nil
}

func normalizeKeywords(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = strings.Join(strings.Fields(strings.ToLower(kw)), " ")
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}
