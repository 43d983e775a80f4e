package scorer

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"ai-screener-go/internal/constants"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// RequirementCategories 岗位要求的固定类别
var RequirementCategories = []string{
	"Education",
	"Technical Skills",
	"Experience",
	"Certifications",
	"Soft Skills",
	"Other",
}

const requirementPrompt = `分析下面的岗位要求文本，给出各类别的权重。

步骤：
1. 文本预处理：修正可能的 OCR 错误（例如 '1' 与 'l'、'0' 与 'O'），规范空白。
2. 识别关键内容：找出 "must have"、"required"、"必须"、"优先" 等明确要求，注意重复出现和被强调的内容。
3. 归类：把要求归入以下类别之一：Education, Technical Skills, Experience, Certifications, Soft Skills, Other。
4. 计算权重：综合出现频率、措辞强度、出现位置（越靠前越重要）和明确的优先级提示，为每个类别分配百分比权重，总和必须为 100，可以使用小数。

只输出JSON，例如：
{"Technical Skills": 27.5, "Education": 33.3, "Experience": 22, "Soft Skills": 12.2, "Other": 5}

岗位要求：
%s`

// RequirementAnalyzer 让模型给出 JD 的类别权重，结果按 JD 内容缓存
type RequirementAnalyzer struct {
	model model.BaseChatModel
	cache Cache
	ttl   time.Duration
}

// NewRequirementAnalyzer 创建分析器，cache 可为 nil
func NewRequirementAnalyzer(chatModel model.BaseChatModel, cache Cache, ttl time.Duration) *RequirementAnalyzer {
	return &RequirementAnalyzer{model: chatModel, cache: cache, ttl: ttl}
}

// Analyze 返回归一化到总和 100 的类别权重
func (a *RequirementAnalyzer) Analyze(ctx context.Context, jobDescription string) (types.RequirementWeights, error) {
	key := storage.HashKey(constants.KeyRequirementWeights, jobDescription)
	var cached types.RequirementWeights
	if cacheGet(ctx, a.cache, key, &cached) && len(cached) > 0 {
		return cached, nil
	}

	resp, err := a.model.Generate(ctx, []*schema.Message{
		schema.UserMessage(fmt.Sprintf(requirementPrompt, jobDescription)),
	})
	if err != nil {
		return nil, fmt.Errorf("分析岗位要求失败: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: 模型返回空内容", ErrInvalidAIOutput)
	}

	var raw map[string]flexFloat
	if err := decodeModelJSON(resp.Content, &raw); err != nil {
		if err == errNoJSON {
			return nil, err
		}
		return nil, fmt.Errorf("%w: 权重解析失败: %v", ErrInvalidAIOutput, err)
	}

	weights := normalizeWeights(raw)
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: 没有有效的类别权重", ErrInvalidAIOutput)
	}

	if err := cacheSet(ctx, a.cache, key, weights, a.ttl); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("写入岗位权重缓存失败")
	}
	return weights, nil
}

// normalizeWeights 只保留已知类别和正数权重，按比例缩放到总和 100
func normalizeWeights(raw map[string]flexFloat) types.RequirementWeights {
	weights := make(types.RequirementWeights)
	var total float64
	for name, v := range raw {
		category, ok := matchCategory(name)
		w := float64(v)
		if !ok || math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
			continue
		}
		weights[category] += w
		total += w
	}
	if total <= 0 {
		return nil
	}
	for k, v := range weights {
		weights[k] = math.Round(v/total*1000) / 10
	}
	return weights
}

// matchCategory 忽略大小写和方括号匹配类别名
func matchCategory(name string) (string, bool) {
	name = strings.Trim(strings.TrimSpace(name), "[]")
	for _, c := range RequirementCategories {
		if strings.EqualFold(name, c) {
			return c, true
		}
	}
	return "", false
}
