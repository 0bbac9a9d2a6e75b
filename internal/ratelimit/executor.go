package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Executor 保证经过同一实例的任意两次调用，其开始时间间隔不小于 minDelay。
// 调用在闸门内串行执行，并发调用方会排队，从而限制整体外部调用速率。
// Executor 不做重试，调用返回的错误原样交还调用方。
type Executor struct {
	minDelay time.Duration
	gate     chan struct{} // 容量为 1，持有即表示正在执行
	lastCall time.Time     // 上一次调用的开始时间，只在持有 gate 时读写
	logger   zerolog.Logger
}

// Option 执行器选项
type Option func(*Executor)

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor 创建执行器，minDelay <= 0 时不做间隔等待
func NewExecutor(minDelay time.Duration, opts ...Option) *Executor {
	e := &Executor{
		minDelay: minDelay,
		gate:     make(chan struct{}, 1),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MinDelay 返回配置的最小间隔
func (e *Executor) MinDelay() time.Duration {
	return e.minDelay
}

// Execute 在闸门内执行 fn。等待期间 ctx 取消则直接返回 ctx.Err()，fn 不会被调用。
func (e *Executor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case e.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.gate }()

	if !e.lastCall.IsZero() {
		if wait := e.minDelay - time.Since(e.lastCall); wait > 0 {
			e.logger.Debug().Dur("wait", wait).Msg("限流等待")
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	e.lastCall = time.Now()
	return fn(ctx)
}

// Do 是 Execute 的泛型版本，返回 fn 的结果
func Do[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// ProgressFunc 批量执行的进度回调，每完成一项调用一次
type ProgressFunc func(processed, total int)

// ExecuteBatch 按输入顺序逐项经过 Execute 执行 fn，不并行。
// 任一项失败即停止，返回已完成项的结果和该错误。
func ExecuteBatch[I, O any](ctx context.Context, e *Executor, items []I, fn func(ctx context.Context, item I) (O, error), progress ProgressFunc) ([]O, error) {
	results := make([]O, 0, len(items))
	total := len(items)
	for i, item := range items {
		out, err := Do(ctx, e, func(ctx context.Context) (O, error) {
			return fn(ctx, item)
		})
		if err != nil {
			return results, err
		}
		results = append(results, out)
		if progress != nil {
			progress(i+1, total)
		}
	}
	return results, nil
}
