// Package processor 把上传的文档转换为长期记忆，实现 jobqueue.JobProcessor
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docmem-go/internal/constants"
	"docmem-go/internal/jobqueue"
	"docmem-go/internal/parser"
	"docmem-go/internal/ratelimit"
	"docmem-go/internal/tracing"
	"docmem-go/internal/types"
	"docmem-go/internal/utils"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer = otel.Tracer("docmem-go/processor")

// Components 处理器依赖的功能组件
type Components struct {
	Extractor  PageExtractor
	Detector   SectionDetector
	Summarizer SectionSummarizer
	Cache      SummaryCache
	Executor   *ratelimit.Executor
	Memories   MemoryWriter
	Clusterer  ClusterRunner
}

// Settings 纯配置项
type Settings struct {
	Logger         zerolog.Logger
	SkipClustering bool
}

// DocumentProcessor 文档处理流水线：提取 → 分章节 → 限流摘要 → 写入记忆 → 聚类
type DocumentProcessor struct {
	Components
	Settings
}

var _ jobqueue.JobProcessor = (*DocumentProcessor)(nil)

// NewDocumentProcessor extractor、summarizer、executor、memories 为必需组件
func NewDocumentProcessor(extractor PageExtractor, summarizer SectionSummarizer, executor *ratelimit.Executor, memories MemoryWriter, compOpts []ComponentOpt, setOpts ...SettingOpt) (*DocumentProcessor, error) {
	if extractor == nil || summarizer == nil || executor == nil || memories == nil {
		return nil, fmt.Errorf("文档处理器缺少必需组件")
	}
	p := &DocumentProcessor{
		Components: Components{
			Extractor:  extractor,
			Detector:   parser.NewSectionDetector(),
			Summarizer: summarizer,
			Executor:   executor,
			Memories:   memories,
		},
		Settings: Settings{Logger: zerolog.Nop()},
	}
	for _, opt := range compOpts {
		opt(&p.Components)
	}
	for _, opt := range setOpts {
		opt(&p.Settings)
	}
	return p, nil
}

// Process 处理一个任务。文档无法解析属于永久失败，其余失败交给队列重试
func (p *DocumentProcessor) Process(ctx context.Context, job *types.ProcessingJob, progress jobqueue.ProgressReporter) jobqueue.Result {
	ctx, span := tracer.Start(ctx, "DocumentProcessor.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.JobID),
		attribute.String("user.id", job.UserID),
		attribute.Int("job.retries", job.Retries),
	)
	log := p.Logger.With().Str("job_id", job.JobID).Str("user_id", job.UserID).Logger()
	start := time.Now()

	pages, err := p.Extractor.ExtractPages(ctx, job.Content, job.Filename)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		perr := NewExtractError(job.JobID, err.Error())
		if errors.Is(err, parser.ErrUnreadableDocument) {
			return jobqueue.Permanent(perr)
		}
		return jobqueue.Retryable(perr)
	}

	sections := p.Detector.DetectWithFallback(pages)
	total := len(sections)
	span.SetAttributes(attribute.Int("document.pages", len(pages)), attribute.Int("document.sections", total))
	log.Info().Int("pages", len(pages)).Int("sections", total).Msg("章节识别完成")
	progress.ReportProgress(ctx, job.JobID, 0, total)

	summary := types.ProcessingSummary{
		SectionsDetected: total,
		Sections:         make([]types.SectionOutline, 0, total),
		MemoryIDs:        make([]string, 0, total),
	}
	for i, sec := range sections {
		text := p.summarize(ctx, log, sec)

		mem, err := p.Memories.AddLongTermMemory(ctx, job.UserID, text, sectionMetadata(job, sec), "")
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeDB)
			return jobqueue.Retryable(NewStoreError(job.JobID, fmt.Sprintf("章节 %q: %v", sec.Title, err)))
		}
		summary.MemoriesCreated++
		summary.MemoryIDs = append(summary.MemoryIDs, mem.ID)
		summary.Sections = append(summary.Sections, types.SectionOutline{
			Title: sec.Title,
			Type:  sec.SectionType,
			Pages: fmt.Sprintf("%d-%d", sec.PageStart, sec.PageEnd),
		})
		progress.ReportProgress(ctx, job.JobID, i+1, total)
	}

	if p.Clusterer != nil && !p.SkipClustering {
		if report, err := p.Clusterer.Run(ctx, job.UserID); err != nil {
			log.Warn().Err(err).Msg("聚类失败，不影响任务结果")
		} else if report != nil {
			log.Info().Int("clusters", report.ClustersCreated).Msg("聚类完成")
		}
	}

	span.SetStatus(codes.Ok, "")
	log.Info().
		Int("memories", summary.MemoriesCreated).
		Dur("elapsed", time.Since(start)).
		Msg("文档处理完成")
	return jobqueue.Success(summaryToMap(summary))
}

// summarize 先查缓存，未命中时经限流器调用模型；失败返回兜底文本且不写缓存
func (p *DocumentProcessor) summarize(ctx context.Context, log zerolog.Logger, sec types.DocumentSection) string {
	if p.Cache != nil {
		if cached, ok := p.Cache.Get(ctx, sec); ok {
			log.Debug().Str("section", sec.Title).Msg("命中摘要缓存")
			return cached
		}
	}

	text, err := ratelimit.Do(ctx, p.Executor, func(ctx context.Context) (string, error) {
		return p.Summarizer.TrySummarize(ctx, sec)
	})
	if err != nil {
		log.Warn().Err(err).Str("section", sec.Title).Msg("章节摘要失败，使用兜底文本")
		return parser.Fallback(sec)
	}
	if p.Cache != nil {
		p.Cache.Set(ctx, sec, text)
	}
	return text
}

func sectionMetadata(job *types.ProcessingJob, sec types.DocumentSection) map[string]any {
	return map[string]any{
		"source":                   constants.SourcePDF,
		"filename":                 job.Filename,
		"section_title":            sec.Title,
		"section_type":             string(sec.SectionType),
		"page_start":               sec.PageStart,
		"page_end":                 sec.PageEnd,
		"original_content_preview": utils.Prefix(sec.Content, constants.ContentPreviewRunes),
	}
}

func summaryToMap(s types.ProcessingSummary) map[string]any {
	sections := make([]any, 0, len(s.Sections))
	for _, o := range s.Sections {
		sections = append(sections, map[string]any{"title": o.Title, "type": string(o.Type), "pages": o.Pages})
	}
	ids := make([]any, 0, len(s.MemoryIDs))
	for _, id := range s.MemoryIDs {
		ids = append(ids, id)
	}
	return map[string]any{
		"sections_detected": s.SectionsDetected,
		"memories_created":  s.MemoriesCreated,
		"sections":          sections,
		"memory_ids":        ids,
	}
}
