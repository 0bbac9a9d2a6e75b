package processor

import (
	"errors"
	"fmt"
)

// 基础错误类型
var (
	ErrExtractFailed = errors.New("提取文档文本失败")
	ErrStoreFailed   = errors.New("写入记忆失败")
)

// ProcessError 文档处理错误，携带任务与操作信息
type ProcessError struct {
	JobID   string
	Op      string
	BaseErr error
	Detail  string
}

func (e *ProcessError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (操作:%s, 任务:%s): %s", e.BaseErr, e.Op, e.JobID, e.Detail)
	}
	return fmt.Sprintf("%s (操作:%s, 任务:%s)", e.BaseErr, e.Op, e.JobID)
}

func (e *ProcessError) Unwrap() error {
	return e.BaseErr
}

// Is 支持 errors.Is 比较基础错误
func (e *ProcessError) Is(target error) bool {
	return errors.Is(e.BaseErr, target)
}

func NewExtractError(jobID, detail string) error {
	return &ProcessError{JobID: jobID, Op: "extract", BaseErr: ErrExtractFailed, Detail: detail}
}

func NewStoreError(jobID, detail string) error {
	return &ProcessError{JobID: jobID, Op: "store", BaseErr: ErrStoreFailed, Detail: detail}
}
