package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"docmem-go/internal/storage"
	"docmem-go/internal/storage/models"
	"docmem-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu   sync.Mutex
	mems []models.Memory
	err  error
}

func (f *fakeStore) CreateMemory(_ context.Context, m *models.Memory) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mems = append(f.mems, *m)
	return nil
}

func (f *fakeStore) ListMemories(_ context.Context, userID string, memType types.MemoryType, limit int) ([]models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Memory
	for _, m := range f.mems {
		if m.UserID == userID && m.Type == string(memType) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// keywordEmbedder 按关键词生成三维向量
type keywordEmbedder struct {
	err error
}

func (k keywordEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if k.err != nil {
		return nil, k.err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		switch {
		case contains(t, "football"):
			out[i] = []float64{1, 0.1, 0}
		case contains(t, "cooking"):
			out[i] = []float64{0, 1, 0.1}
		default:
			out[i] = []float64{0.1, 0, 1}
		}
	}
	return out, nil
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

type recordingIndex struct {
	id        string
	metadata  map[string]any
	namespace string
}

func (r *recordingIndex) Upsert(_ context.Context, id string, _ []float32, metadata map[string]any, namespace string) error {
	r.id, r.metadata, r.namespace = id, metadata, namespace
	return nil
}

func (r *recordingIndex) Query(context.Context, []float32, int, string, bool, bool) ([]types.VectorMatch, error) {
	return nil, nil
}

func TestAddLongTermMemory_WritesRecordAndVector(t *testing.T) {
	store := &fakeStore{}
	idx := &recordingIndex{}
	svc := NewService(store, idx, keywordEmbedder{})

	mem, err := svc.AddLongTermMemory(context.Background(), "u1", "likes football", map[string]any{"source": "pdf"}, "")
	require.NoError(t, err)

	assert.Regexp(t, `^mem_[0-9a-f]{8}$`, mem.ID)
	require.NotNil(t, mem.EmbeddingID)
	assert.Regexp(t, `^vec_[0-9a-f]{8}$`, *mem.EmbeddingID)
	assert.Equal(t, types.MemoryTypeLTM, mem.Type)

	assert.Equal(t, *mem.EmbeddingID, idx.id)
	assert.Equal(t, "user_u1_ltm", idx.namespace)
	assert.Equal(t, mem.ID, idx.metadata["memory_id"])
	assert.Equal(t, "ltm", idx.metadata["type"])
	assert.Equal(t, "pdf", idx.metadata["source"])
	assert.Equal(t, "u1", idx.metadata["user_id"])
	require.Len(t, store.mems, 1)
}

func TestAddLongTermMemory_CustomNamespaceAndPreview(t *testing.T) {
	idx := &recordingIndex{}
	svc := NewService(&fakeStore{}, idx, keywordEmbedder{})
	long := make([]rune, 500)
	for i := range long {
		long[i] = '记'
	}
	_, err := svc.AddLongTermMemory(context.Background(), "u1", string(long), nil, "custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", idx.namespace)
	assert.Len(t, []rune(idx.metadata["content"].(string)), 200)
}

func TestAddLongTermMemory_Errors(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, &recordingIndex{}, keywordEmbedder{err: errors.New("quota")})
	_, err := svc.AddLongTermMemory(context.Background(), "u1", "x", nil, "")
	require.Error(t, err)
	assert.Empty(t, store.mems, "向量生成失败时不落库")

	store.err = errors.New("db down")
	svc = NewService(store, &recordingIndex{}, keywordEmbedder{})
	_, err = svc.AddLongTermMemory(context.Background(), "u1", "x", nil, "")
	require.Error(t, err)
}

func TestAddLongTermMemory_NoEmbedder(t *testing.T) {
	idx := &recordingIndex{}
	svc := NewService(&fakeStore{}, idx, nil, WithLogger(zerolog.Nop()))
	_, err := svc.AddLongTermMemory(context.Background(), "u1", "x", nil, "")
	require.NoError(t, err)
	assert.Empty(t, idx.id)
}

func TestShortTermMemoryAndHistory(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, nil, nil)

	mem, err := svc.AddShortTermMemory(context.Background(), "u1", "今天开会", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, types.MemoryTypeSTM, mem.Type)
	assert.Nil(t, mem.EmbeddingID)

	stm, err := svc.History(context.Background(), "u1", types.MemoryTypeSTM, 0)
	require.NoError(t, err)
	require.Len(t, stm, 1)
	assert.Equal(t, "v", stm[0].Metadata["k"])

	ltm, err := svc.History(context.Background(), "u1", types.MemoryTypeLTM, 10)
	require.NoError(t, err)
	assert.Empty(t, ltm)
}

func TestSearch_WithChromem(t *testing.T) {
	idx, err := storage.NewChromemIndex("", 3, zerolog.Nop())
	require.NoError(t, err)
	svc := NewService(&fakeStore{}, idx, keywordEmbedder{})
	ctx := context.Background()

	football, err := svc.AddLongTermMemory(ctx, "u1", "plays football weekly", nil, "")
	require.NoError(t, err)
	_, err = svc.AddLongTermMemory(ctx, "u1", "enjoys cooking pasta", nil, "")
	require.NoError(t, err)

	matches, err := svc.Search(ctx, "u1", "football fan", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, football.ID, matches[0].Metadata["memory_id"])

	_, err = NewService(&fakeStore{}, idx, nil).Search(ctx, "u1", "q", 1)
	assert.ErrorIs(t, err, ErrNoEmbedder)
}
