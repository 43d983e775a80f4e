package scorer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAIOutput 模型输出无法使用：没有 JSON、缺少 overall_score 或分数越界
	ErrInvalidAIOutput = errors.New("模型输出无效")
	// ErrNoSignal 子评分没有可用信号（岗位无关键词或零向量），按 0 分处理
	ErrNoSignal = errors.New("子评分无可用信号")

	errNoJSON = fmt.Errorf("%w: 未找到JSON对象", ErrInvalidAIOutput)
)
