package storage

import (
	"context"
	"fmt"

	"ai-screener-go/internal/config"
	"ai-screener-go/internal/logger"
)

// Storage 存储管理器，聚合所有存储相关依赖
type Storage struct {
	// 对象存储
	MinIO *MinIO

	// 消息队列
	RabbitMQ *RabbitMQ

	// 关系型数据库
	MySQL           *MySQL
	Results         *ResultStore
	Recommendations *RecommendationStore

	// 缓存，未配置时为 nil
	Redis *Redis
}

// NewStorage 创建存储管理器。MySQL、RabbitMQ、MinIO 任一失败即返回错误，Redis 失败时降级为无缓存。
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	s := &Storage{}
	var err error

	s.MySQL, err = NewMySQL(&cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("初始化MySQL失败: %w", err)
	}
	s.Results = NewResultStore(s.MySQL.DB())
	s.Recommendations = NewRecommendationStore(s.MySQL.DB())

	s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("初始化RabbitMQ失败: %w", err)
	}
	if err := s.RabbitMQ.SetupScreeningTopology(); err != nil {
		s.Close()
		return nil, fmt.Errorf("声明筛选队列拓扑失败: %w", err)
	}

	s.MinIO, err = NewMinIO(&cfg.MinIO)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("初始化MinIO失败: %w", err)
	}

	if cfg.Redis.Address != "" {
		s.Redis, err = NewRedisAdapter(&cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化Redis失败，缓存已禁用")
			s.Redis = nil
		}
	} else {
		logger.Info().Msg("Redis未配置, 跳过初始化.")
	}

	return s, nil
}

// Close 关闭所有连接
func (s *Storage) Close() {
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			logger.Warn().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			logger.Warn().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Warn().Err(err).Msg("关闭Redis连接失败")
		}
	}
}
