// Package cache 提供章节摘要的两级缓存：进程内 ristretto 加 Redis。
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docmem-go/internal/constants"
	"docmem-go/internal/types"
	"docmem-go/internal/utils"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RemoteStore 二级缓存，storage.Redis 满足该接口
type RemoteStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
}

// SummaryCache 按 (title, type, content) 的哈希缓存成功的摘要
type SummaryCache struct {
	local  *ristretto.Cache
	remote RemoteStore
	ttl    time.Duration
	logger zerolog.Logger
}

// Option 选项
type Option func(*SummaryCache)

// WithRemote 启用 Redis 二级缓存
func WithRemote(r RemoteStore) Option {
	return func(c *SummaryCache) { c.remote = r }
}

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(c *SummaryCache) { c.logger = l }
}

// NewSummaryCache maxCost 按字节计
func NewSummaryCache(maxCost int64, ttl time.Duration, opts ...Option) (*SummaryCache, error) {
	if maxCost <= 0 {
		maxCost = 16 << 20
	}
	if ttl <= 0 {
		ttl = constants.DefaultSummaryCacheTTL
	}
	local, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("创建本地缓存失败: %w", err)
	}
	c := &SummaryCache{local: local, ttl: ttl, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Key 章节内容哈希
func Key(sec types.DocumentSection) string {
	return utils.ContentHash(sec.Title, string(sec.SectionType), sec.Content)
}

// Get 先查本地再查 Redis，Redis 命中时回填本地。任何错误都视为未命中
func (c *SummaryCache) Get(ctx context.Context, sec types.DocumentSection) (string, bool) {
	if c == nil {
		return "", false
	}
	key := Key(sec)
	if v, ok := c.local.Get(key); ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	if c.remote == nil {
		return "", false
	}
	val, err := c.remote.Get(ctx, fmt.Sprintf(constants.KeySummaryCache, key))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("读取摘要缓存失败")
		}
		return "", false
	}
	c.local.SetWithTTL(key, val, int64(len(val)), c.ttl)
	return val, true
}

// Set 写入两级缓存，Redis 写失败只记日志
func (c *SummaryCache) Set(ctx context.Context, sec types.DocumentSection, summary string) {
	if c == nil || summary == "" {
		return
	}
	key := Key(sec)
	c.local.SetWithTTL(key, summary, int64(len(summary)), c.ttl)
	if c.remote == nil {
		return
	}
	if err := c.remote.Set(ctx, fmt.Sprintf(constants.KeySummaryCache, key), summary, c.ttl); err != nil {
		c.logger.Warn().Err(err).Msg("写入摘要缓存失败")
	}
}

// Wait 等待本地缓存的异步写入生效
func (c *SummaryCache) Wait() {
	if c != nil {
		c.local.Wait()
	}
}

// Close 释放本地缓存
func (c *SummaryCache) Close() {
	if c != nil {
		c.local.Close()
	}
}
