// Package memory 长期/短期记忆的写入与检索
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docmem-go/internal/constants"
	"docmem-go/internal/idgen"
	"docmem-go/internal/storage"
	"docmem-go/internal/storage/models"
	"docmem-go/internal/tracing"
	"docmem-go/internal/types"
	"docmem-go/internal/utils"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("docmem-go/memory")

// ErrNoEmbedder 未配置向量模型时无法检索
var ErrNoEmbedder = errors.New("未配置向量模型")

// Store 记忆持久化
type Store interface {
	CreateMemory(ctx context.Context, mem *models.Memory) error
	ListMemories(ctx context.Context, userID string, memType types.MemoryType, limit int) ([]models.Memory, error)
}

// Service 记忆服务
type Service struct {
	store    Store
	vectors  storage.VectorIndex
	embedder embedding.Embedder
	logger   zerolog.Logger
}

// Option 配置项
type Option func(*Service)

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService embedder 为 nil 时长期记忆只落库不写向量
func NewService(store Store, vectors storage.VectorIndex, embedder embedding.Embedder, opts ...Option) *Service {
	s := &Service{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, nil
	}
	vecs, err := s.embedder.EmbedStrings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	return storage.Float64To32(vecs[0]), nil
}

// AddLongTermMemory 生成向量、写入记忆记录，再把向量写入 namespace（为空时使用用户默认命名空间）
func (s *Service) AddLongTermMemory(ctx context.Context, userID, content string, metadata map[string]any, namespace string) (*types.MemoryView, error) {
	ctx, span := tracer.Start(ctx, "Memory.AddLongTermMemory")
	defer span.End()

	memoryID := idgen.WithPrefix("mem")
	embeddingID := idgen.WithPrefix("vec")
	span.SetAttributes(
		attribute.String("memory.id", memoryID),
		attribute.String("user.id", userID),
		attribute.String("memory.content", tracing.SafeContent(content)),
	)

	vector, err := s.embed(ctx, content)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("生成向量失败: %w", err)
	}

	mem := &models.Memory{
		ID:          memoryID,
		UserID:      userID,
		Type:        string(types.MemoryTypeLTM),
		Content:     content,
		EmbeddingID: &embeddingID,
		Metadata:    utils.MapToJSON(metadata),
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateMemory(ctx, mem); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return nil, err
	}

	if len(vector) > 0 && s.vectors != nil {
		if namespace == "" {
			namespace = types.LTMNamespace(userID)
		}
		vecMeta := map[string]any{
			"memory_id": memoryID,
			"content":   utils.Prefix(content, constants.ContentPreviewRunes),
			"user_id":   userID,
			"type":      string(types.MemoryTypeLTM),
		}
		for k, v := range metadata {
			vecMeta[k] = v
		}
		if err := s.vectors.Upsert(ctx, embeddingID, vector, vecMeta, namespace); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return nil, fmt.Errorf("写入向量失败: %w", err)
		}
	} else {
		s.logger.Warn().Str("memory_id", memoryID).Msg("未生成向量，长期记忆仅落库")
	}

	return toView(mem), nil
}

// AddShortTermMemory 只落库，不生成向量
func (s *Service) AddShortTermMemory(ctx context.Context, userID, content string, metadata map[string]any) (*types.MemoryView, error) {
	mem := &models.Memory{
		ID:        idgen.WithPrefix("mem"),
		UserID:    userID,
		Type:      string(types.MemoryTypeSTM),
		Content:   content,
		Metadata:  utils.MapToJSON(metadata),
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateMemory(ctx, mem); err != nil {
		return nil, err
	}
	return toView(mem), nil
}

// History 按创建时间倒序返回某类记忆
func (s *Service) History(ctx context.Context, userID string, memType types.MemoryType, limit int) ([]types.MemoryView, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > constants.MaxListLimit {
		limit = constants.MaxListLimit
	}
	mems, err := s.store.ListMemories(ctx, userID, memType, limit)
	if err != nil {
		return nil, err
	}
	out := make([]types.MemoryView, 0, len(mems))
	for i := range mems {
		out = append(out, *toView(&mems[i]))
	}
	return out, nil
}

// Search 在用户长期记忆中做向量检索
func (s *Service) Search(ctx context.Context, userID, query string, topK int) ([]types.VectorMatch, error) {
	if s.embedder == nil || s.vectors == nil {
		return nil, ErrNoEmbedder
	}
	if topK <= 0 {
		topK = 5
	}
	ctx, span := tracer.Start(ctx, "Memory.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int("search.top_k", topK),
		attribute.String("search.query", tracing.SafeAttributeValue("query", query, tracing.DefaultMaxLength)),
	)

	vector, err := s.embed(ctx, query)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("生成查询向量失败: %w", err)
	}
	if len(vector) == 0 {
		return []types.VectorMatch{}, nil
	}
	matches, err := s.vectors.Query(ctx, vector, topK, types.LTMNamespace(userID), true, false)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, err
	}
	return matches, nil
}

func toView(m *models.Memory) *types.MemoryView {
	return &types.MemoryView{
		ID:          m.ID,
		UserID:      m.UserID,
		Content:     m.Content,
		Type:        types.MemoryType(m.Type),
		EmbeddingID: m.EmbeddingID,
		Metadata:    utils.JSONToMap(m.Metadata),
		CreatedAt:   m.CreatedAt,
	}
}
