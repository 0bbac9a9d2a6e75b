package types

import "time"

// MemoryType 记忆类型
type MemoryType string

const (
	MemoryTypeLTM MemoryType = "ltm" // 长期记忆，写入向量索引
	MemoryTypeSTM MemoryType = "stm" // 短期记忆，只落库
)

// LTMNamespace 用户长期记忆所在的向量命名空间
func LTMNamespace(userID string) string {
	return "user_" + userID + "_ltm"
}

// VectorMatch 向量检索命中的条目
type VectorMatch struct {
	ID       string         `json:"id"`
	Score    float32        `json:"score"`
	Values   []float32      `json:"values,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MemoryView 对外返回的记忆记录
type MemoryView struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Content     string         `json:"content"`
	Type        MemoryType     `json:"type"`
	EmbeddingID *string        `json:"embedding_id,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}
