package storage

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docmem-go/internal/config"
	"docmem-go/internal/storage/models"
	"docmem-go/internal/tracing"
	"docmem-go/internal/types"
	"docmem-go/internal/utils"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var mysqlTracer = otel.Tracer("docmem-go/storage/mysql")

// MySQL 任务、记忆与聚类的持久化
type MySQL struct {
	db                *gorm.DB
	cfg               *config.MySQLConfig
	jobEventsExchange string
	logger            zerolog.Logger
}

// MySQLOption 选项
type MySQLOption func(*MySQL)

// WithJobEventsExchange 设置后，任务进入终态时在同一事务中写 outbox
func WithJobEventsExchange(exchange string) MySQLOption {
	return func(m *MySQL) { m.jobEventsExchange = exchange }
}

// WithMySQLLogger 设置日志
func WithMySQLLogger(l zerolog.Logger) MySQLOption {
	return func(m *MySQL) { m.logger = l }
}

func buildDSN(cfg *config.MySQLConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)
}

func gormLogLevel(level int) logger.LogLevel {
	switch level {
	case 1:
		return logger.Silent
	case 2:
		return logger.Error
	case 3:
		return logger.Warn
	default:
		return logger.Info
	}
}

// NewMySQL 连接数据库、注册追踪插件并执行版本化迁移
func NewMySQL(cfg *config.MySQLConfig, opts ...MySQLOption) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}
	m := &MySQL{cfg: cfg, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}

	if err := runMigrations(cfg); err != nil {
		return nil, err
	}

	db, err := gorm.Open(mysql.Open(buildDSN(cfg)), &gorm.Config{
		Logger:      logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
		PrepareStmt: true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	m.db = db
	m.logger.Info().Str("database", cfg.Database).Msg("成功连接到MySQL")
	return m, nil
}

// runMigrations 使用内嵌 SQL 文件升级到最新版本
func runMigrations(cfg *config.MySQLConfig) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("加载迁移文件失败: %w", err)
	}
	mg, err := migrate.NewWithSourceInstance("iofs", src, "mysql://"+buildDSN(cfg)+"&multiStatements=true")
	if err != nil {
		return fmt.Errorf("初始化数据库迁移失败: %w", err)
	}
	defer mg.Close()

	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	return nil
}

// DB 返回GORM连接
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// Ping 健康检查
func (m *MySQL) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (m *MySQL) startSpan(ctx context.Context, name, operation, table string) (context.Context, trace.Span) {
	return mysqlTracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.name", m.cfg.Database),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		))
}

// CreateJob 写入一条 pending 任务
func (m *MySQL) CreateJob(ctx context.Context, rec *models.JobRecord) error {
	ctx, span := m.startSpan(ctx, "MySQL.CreateJob", "INSERT", "pdf_processing_jobs")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", rec.ID))

	if rec.Status == "" {
		rec.Status = string(types.JobStatusPending)
	}
	if len(rec.Metadata) == 0 {
		rec.Metadata = utils.MapToJSON(nil)
	}
	if err := m.db.WithContext(ctx).Create(rec).Error; err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return fmt.Errorf("创建任务记录失败: %w", err)
	}
	return nil
}

// GetJob 按 ID 读取，不存在时返回 (nil, nil)
func (m *MySQL) GetJob(ctx context.Context, jobID string) (*models.JobRecord, error) {
	var rec models.JobRecord
	err := m.db.WithContext(ctx).Where("id = ?", jobID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	return &rec, nil
}

// UpdateJob 部分更新任务记录并刷新 updated_at。
// 状态变更带前置状态条件，processed_sections 只增不减；进入终态时在同一事务中写入 outbox 事件。
func (m *MySQL) UpdateJob(ctx context.Context, jobID string, upd types.JobUpdate) error {
	ctx, span := m.startSpan(ctx, "MySQL.UpdateJob", "UPDATE", "pdf_processing_jobs")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"updated_at": time.Now()}
		q := tx.Model(&models.JobRecord{}).Where("id = ?", jobID)

		if upd.Status != nil {
			if !upd.Status.IsValid() {
				return fmt.Errorf("%w: 未知状态 %q", types.ErrInvalidTransition, *upd.Status)
			}
			preds := make([]string, 0, 2)
			for _, p := range upd.Status.AllowedPredecessors() {
				preds = append(preds, string(p))
			}
			updates["status"] = string(*upd.Status)
			q = q.Where("status IN ?", preds)
			span.SetAttributes(attribute.String("job.status", string(*upd.Status)))
		}
		if upd.TotalSections != nil {
			updates["total_sections"] = *upd.TotalSections
		}
		if upd.ProcessedSections != nil {
			updates["processed_sections"] = gorm.Expr("GREATEST(processed_sections, ?)", *upd.ProcessedSections)
		}
		if upd.ErrorMessage != nil {
			updates["error_message"] = *upd.ErrorMessage
		}
		if len(upd.Metadata) > 0 {
			updates["metadata"] = gorm.Expr("JSON_MERGE_PATCH(COALESCE(metadata, JSON_OBJECT()), CAST(? AS JSON))",
				string(utils.MapToJSON(upd.Metadata)))
		}

		res := q.Updates(updates)
		if res.Error != nil {
			return res.Error
		}

		var rec models.JobRecord
		if err := tx.Where("id = ?", jobID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.ErrJobNotFound
			}
			return err
		}
		if res.RowsAffected == 0 && upd.Status != nil && rec.Status != string(*upd.Status) {
			return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, rec.Status, *upd.Status)
		}

		if upd.Status != nil && upd.Status.IsTerminal() && m.jobEventsExchange != "" {
			return m.enqueueJobEvent(tx, &rec)
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
	}
	return err
}

func (m *MySQL) enqueueJobEvent(tx *gorm.DB, rec *models.JobRecord) error {
	eventType := EventJobCompleted
	if rec.Status == string(types.JobStatusFailed) {
		eventType = EventJobFailed
	}
	ev := JobEvent{
		EventType:         eventType,
		JobID:             rec.ID,
		UserID:            rec.UserID,
		Filename:          rec.Filename,
		Status:            rec.Status,
		TotalSections:     rec.TotalSections,
		ProcessedSections: rec.ProcessedSections,
		OccurredAt:        rec.UpdatedAt,
	}
	if rec.ErrorMessage != nil {
		ev.ErrorMessage = *rec.ErrorMessage
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化任务事件失败: %w", err)
	}
	return tx.Create(&models.OutboxMessage{
		AggregateID:      rec.ID,
		EventType:        eventType,
		Payload:          string(payload),
		TargetExchange:   m.jobEventsExchange,
		TargetRoutingKey: eventType,
		Status:           models.OutboxStatusPending,
	}).Error
}

// ListJobs 按创建时间倒序列出用户任务，status 为 nil 时不过滤
func (m *MySQL) ListJobs(ctx context.Context, userID string, status *types.JobStatus, limit int) ([]models.JobRecord, error) {
	q := m.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != nil {
		q = q.Where("status = ?", string(*status))
	}
	var recs []models.JobRecord
	if err := q.Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("查询任务列表失败: %w", err)
	}
	return recs, nil
}

// CreateMemory 写入一条记忆
func (m *MySQL) CreateMemory(ctx context.Context, mem *models.Memory) error {
	ctx, span := m.startSpan(ctx, "MySQL.CreateMemory", "INSERT", "memories")
	defer span.End()

	if len(mem.Metadata) == 0 {
		mem.Metadata = utils.MapToJSON(nil)
	}
	if err := m.db.WithContext(ctx).Create(mem).Error; err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return fmt.Errorf("写入记忆失败: %w", err)
	}
	return nil
}

// ListMemories 按类型查询用户记忆，最新的在前
func (m *MySQL) ListMemories(ctx context.Context, userID string, memType types.MemoryType, limit int) ([]models.Memory, error) {
	var mems []models.Memory
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND type = ?", userID, string(memType)).
		Order("created_at DESC").
		Limit(limit).
		Find(&mems).Error
	if err != nil {
		return nil, fmt.Errorf("查询记忆失败: %w", err)
	}
	return mems, nil
}

// GetMemoriesByIDs 批量读取记忆，结果顺序与 ids 一致，缺失的跳过
func (m *MySQL) GetMemoriesByIDs(ctx context.Context, ids []string) ([]models.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var mems []models.Memory
	if err := m.db.WithContext(ctx).Where("id IN ?", ids).Find(&mems).Error; err != nil {
		return nil, fmt.Errorf("批量查询记忆失败: %w", err)
	}
	byID := make(map[string]models.Memory, len(mems))
	for _, mem := range mems {
		byID[mem.ID] = mem
	}
	out := make([]models.Memory, 0, len(mems))
	for _, id := range ids {
		if mem, ok := byID[id]; ok {
			out = append(out, mem)
		}
	}
	return out, nil
}

// CreateClusterWithMembers 在一个事务中写入聚类摘要及成员关联
func (m *MySQL) CreateClusterWithMembers(ctx context.Context, cluster *models.ClusterSummary, memberIDs []string) error {
	ctx, span := m.startSpan(ctx, "MySQL.CreateClusterWithMembers", "INSERT", "cluster_summaries")
	defer span.End()
	span.SetAttributes(
		attribute.String("cluster.id", cluster.ClusterID),
		attribute.Int("cluster.member_count", len(memberIDs)),
	)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(cluster).Error; err != nil {
			return err
		}
		if len(memberIDs) == 0 {
			return nil
		}
		links := make([]models.ClusterMembership, 0, len(memberIDs))
		for _, id := range memberIDs {
			links = append(links, models.ClusterMembership{ClusterID: cluster.ClusterID, MemoryID: id})
		}
		return tx.Create(&links).Error
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return fmt.Errorf("写入聚类失败: %w", err)
	}
	return nil
}
