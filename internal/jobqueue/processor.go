package jobqueue

import (
	"context"

	"docmem-go/internal/types"
)

// ProgressReporter 处理器每完成一个章节回报一次进度
type ProgressReporter interface {
	ReportProgress(ctx context.Context, jobID string, processed, total int)
}

// JobProcessor 由外部实现的任务处理能力，队列只依赖该接口
type JobProcessor interface {
	Process(ctx context.Context, job *types.ProcessingJob, progress ProgressReporter) Result
}

// ProcessorFunc 函数适配器
type ProcessorFunc func(ctx context.Context, job *types.ProcessingJob, progress ProgressReporter) Result

func (f ProcessorFunc) Process(ctx context.Context, job *types.ProcessingJob, progress ProgressReporter) Result {
	return f(ctx, job, progress)
}

// Result 一次处理的结果。Err 为 nil 表示成功；Permanent 为 true 时不再重试
type Result struct {
	Err       error
	Permanent bool
	Summary   map[string]any // 成功时合并进任务 metadata
}

// OK 是否成功
func (r Result) OK() bool {
	return r.Err == nil
}

// Success 成功结果
func Success(summary map[string]any) Result {
	return Result{Summary: summary}
}

// Retryable 可按退避策略重试的失败
func Retryable(err error) Result {
	return Result{Err: err}
}

// Permanent 重试也无法成功的失败，例如文档无法解析
func Permanent(err error) Result {
	return Result{Err: err, Permanent: true}
}
