package scorer

import (
	"context"
	"time"
)

// Cache 子评分使用的 JSON 缓存，storage.Redis 实现了该接口
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// cacheGet 读缓存，缓存未配置或出错时视为未命中
func cacheGet(ctx context.Context, c Cache, key string, dest interface{}) bool {
	if c == nil {
		return false
	}
	hit, err := c.GetJSON(ctx, key, dest)
	return err == nil && hit
}

// cacheSet 写缓存，失败只影响下一次命中率
func cacheSet(ctx context.Context, c Cache, key string, value interface{}, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	return c.SetJSON(ctx, key, value, ttl)
}
