package storage

import (
	"context"
	"fmt"

	"docmem-go/internal/types"
)

// VectorIndex 按命名空间隔离的向量索引
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any, namespace string) error
	Query(ctx context.Context, vector []float32, topK int, namespace string, includeMetadata, includeValues bool) ([]types.VectorMatch, error)
}

// VectorScanner 能直接枚举命名空间内向量的后端实现该接口，结果包含向量与元数据
type VectorScanner interface {
	Scan(ctx context.Context, namespace string, limit int) ([]types.VectorMatch, error)
}

// Float64To32 eino embedder 输出 float64，向量索引使用 float32
func Float64To32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// ProbeVector 维度为 dim 的单位向量，用于没有枚举接口时的"全量"查询
func ProbeVector(dim int) []float32 {
	if dim <= 0 {
		return nil
	}
	v := make([]float32, dim)
	v[0] = 1
	return v
}

func metadataString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
