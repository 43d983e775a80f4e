package screening

import (
	"errors"
	"fmt"

	"ai-screener-go/internal/scorer"
	"ai-screener-go/internal/storage"
)

// ErrMalformedInput 消息缺少必填字段或无法解析，不重试
var ErrMalformedInput = errors.New("消息格式错误")

// ErrInvalidReplay 人工重放的 original_message 无效或与 application_id 不一致
var ErrInvalidReplay = errors.New("重放消息无效")

// Kind 失败分类，决定消息的去向
type Kind int

const (
	// KindTransient 网络、存储等临时故障，按重试协议重新投递
	KindTransient Kind = iota
	// KindMalformed 输入错误，确认并丢弃
	KindMalformed
	// KindAIOutput 模型输出无效，记为失败留待人工重放
	KindAIOutput
	// KindPermanent 重试耗尽
	KindPermanent
)

// String 用于日志和指标标签
func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindAIOutput:
		return "ai_output"
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Error 携带 application_id 和失败分类的错误
type Error struct {
	ApplicationID string
	Op            string
	Kind          Kind
	Err           error
}

func (e *Error) Error() string {
	if e.ApplicationID != "" {
		return fmt.Sprintf("%s (操作:%s, application_id:%s, 类型:%s)", e.Err, e.Op, e.ApplicationID, e.Kind)
	}
	return fmt.Sprintf("%s (操作:%s, 类型:%s)", e.Err, e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 实现 errors.Is 接口以支持错误比较
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// 错误构造函数
func newError(applicationID, op string, kind Kind, err error) error {
	return &Error{ApplicationID: applicationID, Op: op, Kind: kind, Err: err}
}

// malformed 包装为输入错误
func malformed(applicationID, op string, err error) error {
	if !errors.Is(err, ErrMalformedInput) {
		err = fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return newError(applicationID, op, KindMalformed, err)
}

// Classify 把任意错误映射到分类。带分类的错误保持原分类，已知哨兵错误按语义归类，其余视为临时故障。
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrMalformedInput), errors.Is(err, storage.ErrInvalidResumePath), errors.Is(err, storage.ErrResumeTooLarge):
		return KindMalformed
	case errors.Is(err, scorer.ErrInvalidAIOutput):
		return KindAIOutput
	}
	return KindTransient
}
