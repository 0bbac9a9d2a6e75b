// Package jobqueue 单消费者的文档处理任务队列。
//
// 任务先写入持久化记录(pending)，再进入内存 FIFO 队列；定时 tick 每次最多取出一个任务执行，
// 失败后按 multiplier^retries 退避，退避结束后重新排到队尾，重试耗尽则标记 failed。
// 退避在 tick 内同步等待，等待期间不会有其他任务占用外部调用额度。
package jobqueue

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"docmem-go/internal/constants"
	"docmem-go/internal/idgen"
	"docmem-go/internal/storage/models"
	"docmem-go/internal/types"
	"docmem-go/internal/utils"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("docmem-go/jobqueue")

const (
	defaultMaxRetries        = 3
	defaultBackoffMultiplier = 2.0
	defaultBackoffUnit       = time.Second
	defaultTickInterval      = time.Second
)

// JobStore 任务记录的持久化
type JobStore interface {
	CreateJob(ctx context.Context, rec *models.JobRecord) error
	GetJob(ctx context.Context, jobID string) (*models.JobRecord, error)
	UpdateJob(ctx context.Context, jobID string, upd types.JobUpdate) error
	ListJobs(ctx context.Context, userID string, status *types.JobStatus, limit int) ([]models.JobRecord, error)
}

// DocumentArchive 原始文档归档
type DocumentArchive interface {
	ArchiveDocument(ctx context.Context, userID, jobID string, data []byte) (string, error)
}

// Service 任务队列服务，显式构造并由宿主管理 Start/Shutdown
type Service struct {
	store     JobStore
	processor JobProcessor
	archive   DocumentArchive
	logger    zerolog.Logger

	maxRetries        int
	backoffMultiplier float64
	backoffUnit       time.Duration
	tickInterval      time.Duration

	mu    sync.Mutex
	queue []*types.ProcessingJob

	ticking atomic.Bool

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option 配置项
type Option func(*Service)

// WithProcessor 设置任务处理器
func WithProcessor(p JobProcessor) Option {
	return func(s *Service) { s.processor = p }
}

// WithArchive 设置原始文档归档，归档失败不影响任务创建
func WithArchive(a DocumentArchive) Option {
	return func(s *Service) { s.archive = a }
}

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMaxRetries 最大重试次数
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithBackoff 第 n 次重试前等待 multiplier^n 个 unit
func WithBackoff(multiplier float64, unit time.Duration) Option {
	return func(s *Service) {
		if multiplier >= 1 {
			s.backoffMultiplier = multiplier
		}
		if unit > 0 {
			s.backoffUnit = unit
		}
	}
}

// WithTickInterval 调度间隔
func WithTickInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// NewService 创建任务队列服务
func NewService(store JobStore, opts ...Option) *Service {
	s := &Service{
		store:             store,
		logger:            zerolog.Nop(),
		maxRetries:        defaultMaxRetries,
		backoffMultiplier: defaultBackoffMultiplier,
		backoffUnit:       defaultBackoffUnit,
		tickInterval:      defaultTickInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetProcessor 在启动前替换处理器
func (s *Service) SetProcessor(p JobProcessor) {
	s.processor = p
}

// CreateJob 先写 pending 记录，成功后才入队
func (s *Service) CreateJob(ctx context.Context, userID, filename string, content []byte, metadata map[string]any) (string, error) {
	if userID == "" {
		return "", ErrMissingUser
	}
	if len(content) == 0 {
		return "", ErrEmptyContent
	}
	ctx, span := tracer.Start(ctx, "JobQueue.CreateJob")
	defer span.End()

	jobID := idgen.JobID()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Int("job.content_bytes", len(content)))

	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if s.archive != nil {
		key, err := s.archive.ArchiveDocument(ctx, userID, jobID, content)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("归档原始文档失败，继续创建任务")
		} else {
			meta["document_object_key"] = key
		}
	}

	rec := &models.JobRecord{
		ID:       jobID,
		UserID:   userID,
		Filename: filename,
		Status:   string(types.JobStatusPending),
		Metadata: utils.MapToJSON(meta),
	}
	if err := s.store.CreateJob(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create job failed")
		return "", fmt.Errorf("创建任务失败: %w", err)
	}

	s.enqueue(&types.ProcessingJob{
		JobID:     jobID,
		UserID:    userID,
		Filename:  filename,
		Content:   content,
		CreatedAt: time.Now(),
	})
	s.logger.Info().Str("job_id", jobID).Str("user_id", userID).Str("filename", filename).Msg("任务已入队")
	return jobID, nil
}

// GetJobStatus 读取任务记录，不存在时返回 (nil, nil)
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*models.JobRecord, error) {
	return s.store.GetJob(ctx, jobID)
}

// GetJobView 读取对外展示的任务状态，不存在时返回 (nil, nil)
func (s *Service) GetJobView(ctx context.Context, jobID string) (*types.JobStatusView, error) {
	rec, err := s.store.GetJob(ctx, jobID)
	if err != nil || rec == nil {
		return nil, err
	}
	return ToView(rec), nil
}

// ToView 把记录转换为状态视图
func ToView(rec *models.JobRecord) *types.JobStatusView {
	return &types.JobStatusView{
		JobID:    rec.ID,
		Status:   types.JobStatus(rec.Status),
		Filename: rec.Filename,
		Progress: types.JobProgress{
			ProcessedSections: rec.ProcessedSections,
			TotalSections:     rec.TotalSections,
			Percent:           types.ProgressPercent(rec.ProcessedSections, rec.TotalSections),
		},
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

// UpdateJobStatus 部分更新任务记录
func (s *Service) UpdateJobStatus(ctx context.Context, jobID string, upd types.JobUpdate) error {
	return s.store.UpdateJob(ctx, jobID, upd)
}

// ListJobs 按创建时间倒序列出任务
func (s *Service) ListJobs(ctx context.Context, userID string, status *types.JobStatus, limit int) ([]models.JobRecord, error) {
	if limit <= 0 {
		limit = constants.DefaultListLimit
	}
	if limit > constants.MaxListLimit {
		limit = constants.MaxListLimit
	}
	return s.store.ListJobs(ctx, userID, status, limit)
}

// ReportProgress 实现 ProgressReporter。写入失败只记录日志
func (s *Service) ReportProgress(ctx context.Context, jobID string, processed, total int) {
	if processed > total {
		processed = total
	}
	if err := s.store.UpdateJob(ctx, jobID, types.ProgressUpdate(processed, total)); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Int("processed", processed).Int("total", total).Msg("更新任务进度失败")
	}
}

// QueueLength 当前排队任务数
func (s *Service) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Service) enqueue(job *types.ProcessingJob) {
	s.mu.Lock()
	s.queue = append(s.queue, job)
	s.mu.Unlock()
}

func (s *Service) dequeue() *types.ProcessingJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	job := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return job
}

// BackoffDelay 第 retries 次重试前的等待时长
func (s *Service) BackoffDelay(retries int) time.Duration {
	return time.Duration(math.Pow(s.backoffMultiplier, float64(retries)) * float64(s.backoffUnit))
}

// ProcessQueue 执行一次调度。已有 tick 在执行或队列为空时直接返回
func (s *Service) ProcessQueue(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		return
	}
	defer s.ticking.Store(false)

	job := s.dequeue()
	if job == nil {
		return
	}
	log := s.logger.With().Str("job_id", job.JobID).Str("user_id", job.UserID).Int("retries", job.Retries).Logger()

	// 任务一旦开始就执行到底，不随调度循环的退出而取消
	jobCtx := context.WithoutCancel(ctx)
	jobCtx, span := tracer.Start(jobCtx, "JobQueue.ProcessJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.JobID), attribute.Int("job.retries", job.Retries))

	log.Info().Msg("开始处理任务")
	s.setStatus(jobCtx, log, job.JobID, types.StatusUpdate(types.JobStatusProcessing))

	res := s.invoke(jobCtx, job)
	if res.OK() {
		upd := types.StatusUpdate(types.JobStatusCompleted)
		upd.Metadata = res.Summary
		s.setStatus(jobCtx, log, job.JobID, upd)
		span.SetStatus(codes.Ok, "")
		log.Info().Msg("任务处理完成")
		return
	}

	span.RecordError(res.Err)
	log.Error().Err(res.Err).Bool("permanent", res.Permanent).Msg("任务处理失败")

	if !res.Permanent && job.Retries < s.maxRetries {
		job.Retries++
		delay := s.BackoffDelay(job.Retries)
		log.Info().Dur("backoff", delay).Int("attempt", job.Retries).Msg("退避后重试任务")
		if err := sleepCtx(ctx, delay); err != nil {
			log.Warn().Msg("退避等待被中断")
		}
		s.enqueue(job)
		return
	}

	upd := types.StatusUpdate(types.JobStatusFailed)
	msg := res.Err.Error()
	upd.ErrorMessage = &msg
	s.setStatus(jobCtx, log, job.JobID, upd)
	span.SetStatus(codes.Error, "job failed")
}

// invoke 调用处理器，panic 视为可重试失败
func (s *Service) invoke(ctx context.Context, job *types.ProcessingJob) (res Result) {
	if s.processor == nil {
		return Permanent(ErrNoProcessor)
	}
	defer func() {
		if r := recover(); r != nil {
			res = Retryable(fmt.Errorf("处理器 panic: %v", r))
		}
	}()
	return s.processor.Process(ctx, job, s)
}

func (s *Service) setStatus(ctx context.Context, log zerolog.Logger, jobID string, upd types.JobUpdate) {
	if err := s.store.UpdateJob(ctx, jobID, upd); err != nil {
		ev := log.Warn().Err(err)
		if upd.Status != nil {
			ev = ev.Str("status", string(*upd.Status))
		}
		ev.Msg("更新任务状态失败")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start 启动调度循环，重复调用无效
func (s *Service) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		s.logger.Info().Dur("tick", s.tickInterval).Int("max_retries", s.maxRetries).Msg("任务队列已启动")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ProcessQueue(ctx)
			}
		}
	}()
}

// Shutdown 停止调度并等待正在执行的 tick 结束。未处理的内存任务随进程退出丢弃
func (s *Service) Shutdown() {
	s.lifecycle.Lock()
	cancel := s.cancel
	s.lifecycle.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info().Int("pending", s.QueueLength()).Msg("任务队列已停止")
}
