package jobqueue

import "errors"

var (
	// ErrNoProcessor 未配置任务处理器，任务直接失败且不重试
	ErrNoProcessor = errors.New("No processor configured")
	// ErrEmptyContent 上传内容为空
	ErrEmptyContent = errors.New("文档内容为空")
	// ErrMissingUser 缺少用户标识
	ErrMissingUser = errors.New("user_id 不能为空")
)
