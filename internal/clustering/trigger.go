// Package clustering 对用户长期记忆做密度聚类并生成主题摘要
package clustering

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"docmem-go/internal/constants"
	"docmem-go/internal/idgen"
	"docmem-go/internal/storage"
	"docmem-go/internal/storage/models"
	"docmem-go/internal/tracing"
	"docmem-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("docmem-go/clustering")

// DefaultSummary 无法调用模型时的聚类摘要
const DefaultSummary = "Cluster Summary"

const summaryPrompt = "Summarize these memories into a single topic description (e.g. 'User interests in Football'):\n\n%s"

// Store 聚类所需的持久化能力
type Store interface {
	GetMemoriesByIDs(ctx context.Context, ids []string) ([]models.Memory, error)
	CreateClusterWithMembers(ctx context.Context, cluster *models.ClusterSummary, memberIDs []string) error
}

// Locker 按用户互斥，防止同一用户的聚类并发执行
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, value string) (bool, error)
}

// Params 聚类参数
type Params struct {
	Eps               float64
	MinSamples        int
	FetchLimit        int
	MaxSummaryMembers int
	LockTTL           time.Duration
}

// DefaultParams 默认参数
func DefaultParams() Params {
	return Params{
		Eps:               0.4,
		MinSamples:        2,
		FetchLimit:        2000,
		MaxSummaryMembers: 10,
		LockTTL:           5 * time.Minute,
	}
}

// RunReport 一次聚类的结果
type RunReport struct {
	UserID          string   `json:"user_id"`
	VectorsFetched  int      `json:"vectors_fetched"`
	ClustersCreated int      `json:"clusters_created"`
	NoisePoints     int      `json:"noise_points"`
	ClusterIDs      []string `json:"cluster_ids"`
	Skipped         bool     `json:"skipped,omitempty"`
}

// Trigger 聚类入口
type Trigger struct {
	vectors   storage.VectorIndex
	store     Store
	chat      model.BaseChatModel
	locker    Locker
	dimension int
	params    Params
	logger    zerolog.Logger
}

// Option 配置项
type Option func(*Trigger)

// WithChatModel 用于生成主题摘要，为空时使用 DefaultSummary
func WithChatModel(m model.BaseChatModel) Option {
	return func(t *Trigger) { t.chat = m }
}

// WithLocker 设置用户级分布式锁
func WithLocker(l Locker) Option {
	return func(t *Trigger) { t.locker = l }
}

// WithParams 覆盖聚类参数，零值字段保留默认
func WithParams(p Params) Option {
	return func(t *Trigger) {
		if p.Eps > 0 {
			t.params.Eps = p.Eps
		}
		if p.MinSamples > 0 {
			t.params.MinSamples = p.MinSamples
		}
		if p.FetchLimit > 0 {
			t.params.FetchLimit = p.FetchLimit
		}
		if p.MaxSummaryMembers > 0 {
			t.params.MaxSummaryMembers = p.MaxSummaryMembers
		}
		if p.LockTTL > 0 {
			t.params.LockTTL = p.LockTTL
		}
	}
}

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(t *Trigger) { t.logger = l }
}

// NewTrigger dimension 用于无法枚举的向量库构造探测向量
func NewTrigger(vectors storage.VectorIndex, store Store, dimension int, opts ...Option) *Trigger {
	t := &Trigger{
		vectors:   vectors,
		store:     store,
		dimension: dimension,
		params:    DefaultParams(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run 对用户的长期记忆执行一次聚类。每次运行都创建新的聚类记录，不修改历史结果
func (t *Trigger) Run(ctx context.Context, userID string) (*RunReport, error) {
	ctx, span := tracer.Start(ctx, "Clustering.Run")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	report := &RunReport{UserID: userID, ClusterIDs: []string{}}
	log := t.logger.With().Str("user_id", userID).Logger()

	if t.locker != nil {
		key := fmt.Sprintf(constants.KeyClusterLock, userID)
		owner, err := t.locker.AcquireLock(ctx, key, t.params.LockTTL)
		switch {
		case errors.Is(err, storage.ErrLockHeld):
			log.Info().Msg("该用户的聚类正在进行，跳过")
			report.Skipped = true
			return report, nil
		case err != nil:
			// 锁服务不可用时仍然执行
			log.Warn().Err(err).Msg("获取聚类锁失败")
		default:
			defer func() {
				if _, err := t.locker.ReleaseLock(context.WithoutCancel(ctx), key, owner); err != nil {
					log.Warn().Err(err).Msg("释放聚类锁失败")
				}
			}()
		}
	}

	matches, err := t.fetch(ctx, types.LTMNamespace(userID))
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("读取向量失败: %w", err)
	}
	points := make([][]float32, 0, len(matches))
	kept := make([]types.VectorMatch, 0, len(matches))
	for _, m := range matches {
		if len(m.Values) == 0 {
			continue
		}
		points = append(points, m.Values)
		kept = append(kept, m)
	}
	report.VectorsFetched = len(kept)
	span.SetAttributes(attribute.Int("clustering.vectors", len(kept)))
	if len(kept) == 0 {
		log.Info().Msg("没有可聚类的向量")
		return report, nil
	}

	labels := DBSCAN(points, t.params.Eps, t.params.MinSamples)
	groups := make(map[int][]string)
	for i, label := range labels {
		if label == Noise {
			report.NoisePoints++
			continue
		}
		memoryID, _ := kept[i].Metadata["memory_id"].(string)
		if memoryID == "" {
			continue
		}
		groups[label] = append(groups[label], memoryID)
	}

	order := make([]int, 0, len(groups))
	for label := range groups {
		order = append(order, label)
	}
	sort.Ints(order)

	for _, label := range order {
		memberIDs := groups[label]
		if len(memberIDs) == 0 {
			continue
		}
		cluster := &models.ClusterSummary{
			UserID:    userID,
			ClusterID: idgen.WithPrefix("cluster"),
			Summary:   t.summarize(ctx, log, memberIDs),
			CreatedAt: time.Now(),
		}
		if err := t.store.CreateClusterWithMembers(ctx, cluster, memberIDs); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeDB)
			return report, err
		}
		report.ClustersCreated++
		report.ClusterIDs = append(report.ClusterIDs, cluster.ClusterID)
	}

	log.Info().
		Int("vectors", report.VectorsFetched).
		Int("clusters", report.ClustersCreated).
		Int("noise", report.NoisePoints).
		Msg("聚类完成")
	return report, nil
}

// fetch 优先直接枚举，否则用探测向量查询 top-N
func (t *Trigger) fetch(ctx context.Context, namespace string) ([]types.VectorMatch, error) {
	if scanner, ok := t.vectors.(storage.VectorScanner); ok {
		return scanner.Scan(ctx, namespace, t.params.FetchLimit)
	}
	probe := storage.ProbeVector(t.dimension)
	if probe == nil {
		return nil, fmt.Errorf("未配置向量维度")
	}
	return t.vectors.Query(ctx, probe, t.params.FetchLimit, namespace, true, true)
}

func (t *Trigger) summarize(ctx context.Context, log zerolog.Logger, memberIDs []string) string {
	if t.chat == nil {
		return DefaultSummary
	}
	mems, err := t.store.GetMemoriesByIDs(ctx, memberIDs)
	if err != nil {
		log.Warn().Err(err).Msg("读取聚类成员失败")
		return DefaultSummary
	}
	contents := make([]string, 0, t.params.MaxSummaryMembers)
	for _, m := range mems {
		if len(contents) == t.params.MaxSummaryMembers {
			break
		}
		contents = append(contents, m.Content)
	}

	msg, err := t.chat.Generate(ctx, []*schema.Message{
		schema.UserMessage(fmt.Sprintf(summaryPrompt, strings.Join(contents, "\n"))),
	})
	if err != nil || msg == nil || strings.TrimSpace(msg.Content) == "" {
		log.Warn().Err(err).Msg("生成聚类摘要失败")
		return DefaultSummary
	}
	return strings.TrimSpace(msg.Content)
}
