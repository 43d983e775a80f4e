package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// TokenBucket 按 QPM 放行请求的令牌桶，附带指数退避重试
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64 // 每秒生成的令牌数
	capacity   float64
	tokens     float64
	lastRefill time.Time

	retryWait  time.Duration
	maxRetries int
	retryable  func(error) bool
	now        func() time.Time
}

// NewTokenBucket 创建限流器，capacity<=0 时取 QPM 的一半
func NewTokenBucket(qpm int, capacity int) *TokenBucket {
	if qpm <= 0 {
		qpm = 30
	}
	if capacity <= 0 {
		capacity = qpm / 2
		if capacity <= 0 {
			capacity = 1
		}
	}
	return &TokenBucket{
		rate:       float64(qpm) / 60.0,
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		lastRefill: time.Now(),
		retryWait:  time.Second,
		maxRetries: 3,
		retryable:  IsRetryableError,
		now:        time.Now,
	}
}

// WithRetryPolicy 设置重试策略
func (tb *TokenBucket) WithRetryPolicy(waitTime time.Duration, maxRetries int) *TokenBucket {
	tb.retryWait = waitTime
	if maxRetries >= 0 {
		tb.maxRetries = maxRetries
	}
	return tb
}

// WithRetryable 替换可重试错误的判定
func (tb *TokenBucket) WithRetryable(fn func(error) bool) *TokenBucket {
	if fn != nil {
		tb.retryable = fn
	}
	return tb
}

// take 尝试取一个令牌，失败时返回需要等待的时长。调用方持有锁。
func (tb *TokenBucket) take() (bool, time.Duration) {
	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	return false, time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
}

// Allow 不等待，立即判断是否放行
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	ok, _ := tb.take()
	return ok
}

// Wait 阻塞直到取得令牌或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		ok, wait := tb.take()
		tb.mu.Unlock()
		if ok {
			return nil
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// RetryWithBackoff 每次尝试前取令牌，可重试错误按 retryWait*2^n 退避
func (tb *TokenBucket) RetryWithBackoff(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err := tb.Wait(ctx); err != nil {
			return err
		}
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= tb.maxRetries || !tb.retryable(err) {
			return err
		}
		if err := sleep(ctx, tb.retryWait*time.Duration(1<<uint(attempt))); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var retryableMarkers = []string{
	"timeout",
	"deadline exceeded",
	"connection reset",
	"EOF",
	"connection refused",
	"429",
	"Too Many Requests",
	"rate limit",
	"no such host",
	"503",
	"RESOURCE_EXHAUSTED",
	"服务器繁忙",
	"请求超过限额",
	"QPS限制",
}

// IsRetryableError 按错误文本判断是否为网络或限流类错误。调用方取消不重试。
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	msg := err.Error()
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
