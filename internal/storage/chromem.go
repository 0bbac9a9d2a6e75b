package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"docmem-go/internal/types"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"
)

// ChromemIndex 基于 chromem-go 的进程内向量索引，每个命名空间一个 collection
type ChromemIndex struct {
	db          *chromem.DB
	dimension   int
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
	logger      zerolog.Logger
}

var (
	_ VectorIndex   = (*ChromemIndex)(nil)
	_ VectorScanner = (*ChromemIndex)(nil)
)

var errEmbeddingRequired = errors.New("向量必须由调用方提供")

// 调用方总是自带向量，chromem 不应自行生成
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errEmbeddingRequired
}

// NewChromemIndex path 为空时只在内存中保存
func NewChromemIndex(path string, dimension int, logger zerolog.Logger) (*ChromemIndex, error) {
	db := chromem.NewDB()
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("打开 chromem 持久化目录失败: %w", err)
		}
	}
	return &ChromemIndex{
		db:          db,
		dimension:   dimension,
		collections: make(map[string]*chromem.Collection),
		logger:      logger,
	}, nil
}

func (c *ChromemIndex) collection(namespace string) (*chromem.Collection, error) {
	c.mu.RLock()
	col, ok := c.collections[namespace]
	c.mu.RUnlock()
	if ok {
		return col, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[namespace]; ok {
		return col, nil
	}
	col, err := c.db.GetOrCreateCollection(namespace, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("创建 collection 失败: %w", err)
	}
	c.collections[namespace] = col
	return col, nil
}

// Upsert 写入文档，元数据中的非字符串值以 JSON 文本保存
func (c *ChromemIndex) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any, namespace string) error {
	if len(vector) == 0 {
		return fmt.Errorf("向量不能为空")
	}
	col, err := c.collection(namespace)
	if err != nil {
		return err
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if s, ok := v.(string); ok {
			meta[k] = s
			continue
		}
		if b, err := json.Marshal(v); err == nil {
			meta[k] = string(b)
		} else {
			meta[k] = metadataString(v)
		}
	}

	return col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   meta["content"],
		Embedding: vector,
		Metadata:  meta,
	})
}

// Query chromem 要求 nResults 不超过文档数，这里自动收敛
func (c *ChromemIndex) Query(ctx context.Context, vector []float32, topK int, namespace string, includeMetadata, includeValues bool) ([]types.VectorMatch, error) {
	col, err := c.collection(namespace)
	if err != nil {
		return nil, err
	}
	n := min(topK, col.Count())
	if n <= 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem 查询失败: %w", err)
	}

	out := make([]types.VectorMatch, 0, len(results))
	for _, r := range results {
		m := types.VectorMatch{ID: r.ID, Score: r.Similarity}
		if includeMetadata {
			m.Metadata = make(map[string]any, len(r.Metadata))
			for k, v := range r.Metadata {
				m.Metadata[k] = v
			}
		}
		if includeValues {
			m.Values = r.Embedding
		}
		out = append(out, m)
	}
	return out, nil
}

// Scan 用单位探测向量取回命名空间内最多 limit 条向量
func (c *ChromemIndex) Scan(ctx context.Context, namespace string, limit int) ([]types.VectorMatch, error) {
	if c.dimension <= 0 {
		return nil, fmt.Errorf("未配置向量维度")
	}
	return c.Query(ctx, ProbeVector(c.dimension), limit, namespace, true, true)
}
