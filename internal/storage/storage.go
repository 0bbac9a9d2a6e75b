package storage

import (
	"context"
	"fmt"
	"strings"

	"docmem-go/internal/config"
	"docmem-go/internal/logger"

	"github.com/rs/zerolog"
)

// Storage 聚合所有存储依赖。MySQL 与向量索引必需，其余组件初始化失败时降级运行
type Storage struct {
	MySQL    *MySQL
	Vector   VectorIndex
	Redis    *Redis
	RabbitMQ *RabbitMQ
	MinIO    *MinIO

	logger zerolog.Logger
}

// NewStorage 按配置初始化各组件
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	s := &Storage{logger: logger.Component("storage")}
	var degraded []string
	var err error

	s.MySQL, err = NewMySQL(&cfg.MySQL,
		WithJobEventsExchange(cfg.RabbitMQ.JobEventsExchange),
		WithMySQLLogger(logger.Component("mysql")))
	if err != nil {
		return nil, fmt.Errorf("初始化MySQL失败: %w", err)
	}

	switch cfg.Vector.Backend {
	case "chromem":
		s.Vector, err = NewChromemIndex(cfg.Vector.Path, cfg.Vector.Dimension, logger.Component("chromem"))
	default:
		s.Vector, err = NewQdrant(ctx, &cfg.Qdrant, cfg.Vector.Dimension, WithQdrantLogger(logger.Component("qdrant")))
	}
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("初始化向量索引(%s)失败: %w", cfg.Vector.Backend, err)
	}

	if cfg.Redis.Address != "" {
		if s.Redis, err = NewRedisAdapter(&cfg.Redis); err != nil {
			degraded = append(degraded, fmt.Sprintf("Redis: %v", err))
		}
	}
	if cfg.RabbitMQ.URL != "" {
		if s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ, logger.Component("rabbitmq")); err != nil {
			degraded = append(degraded, fmt.Sprintf("RabbitMQ: %v", err))
		} else if err := s.RabbitMQ.SetupJobEvents(); err != nil {
			degraded = append(degraded, fmt.Sprintf("RabbitMQ拓扑: %v", err))
		}
	}
	if cfg.MinIO.Endpoint != "" {
		if s.MinIO, err = NewMinIO(ctx, &cfg.MinIO, logger.Component("minio")); err != nil {
			degraded = append(degraded, fmt.Sprintf("MinIO: %v", err))
		}
	}

	if len(degraded) > 0 {
		s.logger.Warn().Str("components", strings.Join(degraded, "; ")).Msg("部分存储组件初始化失败，相关功能降级")
	}
	return s, nil
}

// Archive 未配置 MinIO 时返回 nil 接口
func (s *Storage) Archive() DocumentArchive {
	if s.MinIO == nil {
		return nil
	}
	return s.MinIO
}

// Close 关闭所有连接
func (s *Storage) Close() {
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			s.logger.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			s.logger.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			s.logger.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
}
