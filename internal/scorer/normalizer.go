package scorer

import (
	"context"
	"fmt"
	"strings"

	"ai-screener-go/internal/logger"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const normalizePrompt = `把下面的简历原文整理为结构化的 Markdown，要求：
- 按 "## 基本信息"、"## 教育经历"、"## 工作经历"、"## 项目经历"、"## 技能"、"## 证书" 分节，简历中没有的分节省略。
- 保留原文中的事实、数字和专有名词，不要改写、总结或编造内容。
- 修正明显的断行和多余空白。
- 只输出 Markdown 正文。

简历原文：
%s`

// ResumeNormalizer 把简历文本整理为分节 Markdown，结果写入 parsed_cv
type ResumeNormalizer struct {
	model model.BaseChatModel
}

// NewResumeNormalizer 创建简历整理器，chatModel 为 nil 时只做空白规范化
func NewResumeNormalizer(chatModel model.BaseChatModel) *ResumeNormalizer {
	return &ResumeNormalizer{model: chatModel}
}

// Normalize 模型失败或返回空内容时退回空白规范化后的原文，永不返回错误
func (n *ResumeNormalizer) Normalize(ctx context.Context, raw string) string {
	fallback := NormalizeWhitespace(raw)
	if n.model == nil || fallback == "" {
		return fallback
	}

	resp, err := n.model.Generate(ctx, []*schema.Message{
		schema.UserMessage(fmt.Sprintf(normalizePrompt, fallback)),
	})
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("整理简历失败，使用原文")
		return fallback
	}
	if resp == nil {
		return fallback
	}
	content := strings.TrimSpace(resp.Content)
	content = strings.TrimPrefix(content, "```markdown")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSpace(strings.TrimSuffix(content, "```"))
	if content == "" {
		return fallback
	}
	return content
}

// NormalizeWhitespace 每行压缩连续空白，连续空行合并为一行
func NormalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
