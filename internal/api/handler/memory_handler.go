package handler

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"docmem-go/internal/clustering"
	"docmem-go/internal/constants"
	"docmem-go/internal/jobqueue"
	"docmem-go/internal/memory"
	"docmem-go/internal/storage/models"
	"docmem-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"
)

// JobService 任务队列对外能力
type JobService interface {
	CreateJob(ctx context.Context, userID, filename string, content []byte, metadata map[string]any) (string, error)
	GetJobView(ctx context.Context, jobID string) (*types.JobStatusView, error)
	ListJobs(ctx context.Context, userID string, status *types.JobStatus, limit int) ([]models.JobRecord, error)
}

// MemoryService 记忆读写
type MemoryService interface {
	AddShortTermMemory(ctx context.Context, userID, content string, metadata map[string]any) (*types.MemoryView, error)
	History(ctx context.Context, userID string, memType types.MemoryType, limit int) ([]types.MemoryView, error)
	Search(ctx context.Context, userID, query string, topK int) ([]types.VectorMatch, error)
}

// ClusterService 手动触发聚类
type ClusterService interface {
	Run(ctx context.Context, userID string) (*clustering.RunReport, error)
}

// MemoryHandler /memories 下的全部接口
type MemoryHandler struct {
	jobs      JobService
	memories  MemoryService
	clusterer ClusterService
	logger    zerolog.Logger
}

// NewMemoryHandler clusterer 可以为 nil，此时聚类接口返回 503
func NewMemoryHandler(jobs JobService, memories MemoryService, clusterer ClusterService, logger zerolog.Logger) *MemoryHandler {
	return &MemoryHandler{
		jobs:      jobs,
		memories:  memories,
		clusterer: clusterer,
		logger:    logger,
	}
}

func detail(msg string) utils.H {
	return utils.H{"detail": msg}
}

func isPDF(contentType, filename string) bool {
	if strings.HasPrefix(strings.ToLower(contentType), "application/pdf") {
		return true
	}
	return strings.EqualFold(filepath.Ext(filename), ".pdf")
}

func queryInt(c *app.RequestContext, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// HandleProcessPDF 上传 PDF 并排队处理
// POST /api/v1/memories/process-pdf
func (h *MemoryHandler) HandleProcessPDF(ctx context.Context, c *app.RequestContext) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(consts.StatusBadRequest, detail("file is required"))
		return
	}
	userID := strings.TrimSpace(string(c.FormValue("user_id")))
	if userID == "" {
		c.JSON(consts.StatusBadRequest, detail("user_id is required"))
		return
	}
	if !isPDF(fileHeader.Header.Get("Content-Type"), fileHeader.Filename) {
		c.JSON(consts.StatusBadRequest, detail("File must be a PDF"))
		return
	}
	if fileHeader.Size > constants.MaxUploadBytes {
		c.JSON(consts.StatusRequestEntityTooLarge, detail("file too large"))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(consts.StatusInternalServerError, detail("failed to open upload"))
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, detail("failed to read upload"))
		return
	}

	jobID, err := h.jobs.CreateJob(ctx, userID, fileHeader.Filename, content, map[string]any{"smart_chunking": true})
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Str("filename", fileHeader.Filename).Msg("创建处理任务失败")
		if errors.Is(err, jobqueue.ErrEmptyContent) {
			c.JSON(consts.StatusBadRequest, detail(err.Error()))
			return
		}
		c.JSON(consts.StatusInternalServerError, detail("Failed to create processing job: "+err.Error()))
		return
	}

	c.JSON(consts.StatusOK, utils.H{
		"status":   "queued",
		"job_id":   jobID,
		"filename": fileHeader.Filename,
		"message":  "PDF processing job created. Use /memories/job-status/{job_id} to track progress.",
	})
}

// HandleJobStatus 查询任务进度
// GET /api/v1/memories/job-status/:job_id
func (h *MemoryHandler) HandleJobStatus(ctx context.Context, c *app.RequestContext) {
	view, err := h.jobs.GetJobView(ctx, c.Param("job_id"))
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", c.Param("job_id")).Msg("查询任务失败")
		c.JSON(consts.StatusInternalServerError, detail("failed to load job"))
		return
	}
	if view == nil {
		c.JSON(consts.StatusNotFound, detail("Job not found"))
		return
	}
	c.JSON(consts.StatusOK, view)
}

// HandleListJobs 列出用户任务
// GET /api/v1/memories/jobs?user_id=&status=&limit=
func (h *MemoryHandler) HandleListJobs(ctx context.Context, c *app.RequestContext) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(consts.StatusBadRequest, detail("user_id is required"))
		return
	}
	var status *types.JobStatus
	if raw := c.Query("status"); raw != "" {
		s := types.JobStatus(raw)
		if !s.IsValid() {
			c.JSON(consts.StatusBadRequest, detail("unknown status: "+raw))
			return
		}
		status = &s
	}

	recs, err := h.jobs.ListJobs(ctx, userID, status, queryInt(c, "limit", 10))
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("查询任务列表失败")
		c.JSON(consts.StatusInternalServerError, detail("failed to list jobs"))
		return
	}
	jobs := make([]*types.JobStatusView, 0, len(recs))
	for i := range recs {
		jobs = append(jobs, jobqueue.ToView(&recs[i]))
	}
	c.JSON(consts.StatusOK, utils.H{"jobs": jobs, "count": len(jobs)})
}

// HandleAddSTM 写入短期记忆，metadata 解析失败时按 {} 处理
// POST /api/v1/memories/stm
func (h *MemoryHandler) HandleAddSTM(ctx context.Context, c *app.RequestContext) {
	userID := string(c.FormValue("user_id"))
	content := string(c.FormValue("content"))
	if userID == "" || content == "" {
		c.JSON(consts.StatusBadRequest, detail("user_id and content are required"))
		return
	}
	meta, err := ParseMetadata(string(c.FormValue("metadata")))
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("忽略无效的 metadata")
	}

	mem, err := h.memories.AddShortTermMemory(ctx, userID, content, meta)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("写入短期记忆失败")
		c.JSON(consts.StatusInternalServerError, detail("failed to store memory"))
		return
	}
	c.JSON(consts.StatusOK, mem)
}

func (h *MemoryHandler) history(ctx context.Context, c *app.RequestContext, memType types.MemoryType) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(consts.StatusBadRequest, detail("user_id is required"))
		return
	}
	mems, err := h.memories.History(ctx, userID, memType, queryInt(c, "limit", 10))
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Str("type", string(memType)).Msg("查询记忆失败")
		c.JSON(consts.StatusInternalServerError, detail("failed to load memories"))
		return
	}
	c.JSON(consts.StatusOK, utils.H{"memories": mems, "count": len(mems)})
}

// HandleSTMHistory GET /api/v1/memories/stm
func (h *MemoryHandler) HandleSTMHistory(ctx context.Context, c *app.RequestContext) {
	h.history(ctx, c, types.MemoryTypeSTM)
}

// HandleLTMHistory GET /api/v1/memories/ltm
func (h *MemoryHandler) HandleLTMHistory(ctx context.Context, c *app.RequestContext) {
	h.history(ctx, c, types.MemoryTypeLTM)
}

// HandleSearch 向量检索长期记忆
// GET /api/v1/memories/search?user_id=&q=&top_k=
func (h *MemoryHandler) HandleSearch(ctx context.Context, c *app.RequestContext) {
	userID, q := c.Query("user_id"), c.Query("q")
	if userID == "" || q == "" {
		c.JSON(consts.StatusBadRequest, detail("user_id and q are required"))
		return
	}
	matches, err := h.memories.Search(ctx, userID, q, queryInt(c, "top_k", 5))
	if err != nil {
		if errors.Is(err, memory.ErrNoEmbedder) {
			c.JSON(consts.StatusServiceUnavailable, detail(err.Error()))
			return
		}
		h.logger.Error().Err(err).Str("user_id", userID).Msg("检索记忆失败")
		c.JSON(consts.StatusInternalServerError, detail("search failed"))
		return
	}
	c.JSON(consts.StatusOK, utils.H{"matches": matches, "count": len(matches)})
}

// HandleCluster 手动触发一次聚类
// POST /api/v1/memories/cluster
func (h *MemoryHandler) HandleCluster(ctx context.Context, c *app.RequestContext) {
	if h.clusterer == nil {
		c.JSON(consts.StatusServiceUnavailable, detail("clustering is not configured"))
		return
	}
	userID := string(c.FormValue("user_id"))
	if userID == "" {
		c.JSON(consts.StatusBadRequest, detail("user_id is required"))
		return
	}
	report, err := h.clusterer.Run(ctx, userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("聚类失败")
		c.JSON(consts.StatusInternalServerError, detail("clustering failed"))
		return
	}
	c.JSON(consts.StatusOK, report)
}
