package types

import (
	"errors"
	"time"
)

// JobStatus 文档处理任务状态
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsValid 判断是否为已知状态
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal completed 与 failed 为终态
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// AllowedPredecessors 返回允许迁移到 s 的前置状态。
// 只允许 pending→processing、processing→completed、processing→failed；
// 重复写入 processing（重试时）视为幂等。
func (s JobStatus) AllowedPredecessors() []JobStatus {
	switch s {
	case JobStatusProcessing:
		return []JobStatus{JobStatusPending, JobStatusProcessing}
	case JobStatusCompleted, JobStatusFailed:
		return []JobStatus{JobStatusProcessing}
	}
	return nil
}

// CanTransition 判断 from→to 是否合法
func CanTransition(from, to JobStatus) bool {
	for _, p := range to.AllowedPredecessors() {
		if p == from {
			return true
		}
	}
	return false
}

// ProcessingJob 内存队列中的任务，终态后即丢弃
type ProcessingJob struct {
	JobID     string
	UserID    string
	Filename  string
	Content   []byte
	CreatedAt time.Time
	Retries   int
}

// JobUpdate 任务记录的部分更新，nil 字段不修改
type JobUpdate struct {
	Status            *JobStatus
	TotalSections     *int
	ProcessedSections *int
	ErrorMessage      *string
	Metadata          map[string]any // 合并进已有 metadata
}

// StatusUpdate 只修改状态
func StatusUpdate(s JobStatus) JobUpdate {
	return JobUpdate{Status: &s}
}

// ProgressUpdate 只修改进度
func ProgressUpdate(processed, total int) JobUpdate {
	return JobUpdate{ProcessedSections: &processed, TotalSections: &total}
}

// JobProgress 任务进度视图
type JobProgress struct {
	ProcessedSections int     `json:"processed_sections"`
	TotalSections     int     `json:"total_sections"`
	Percent           float64 `json:"percent"`
}

// JobStatusView 对外返回的任务状态
type JobStatusView struct {
	JobID        string      `json:"job_id"`
	Status       JobStatus   `json:"status"`
	Filename     string      `json:"filename"`
	Progress     JobProgress `json:"progress"`
	ErrorMessage *string     `json:"error_message"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// ProgressPercent 计算百分比并保留一位小数，total 为 0 时返回 0
func ProgressPercent(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(processed) / float64(total) * 100
	return float64(int64(p*10+0.5)) / 10
}

// ErrJobNotFound 任务记录不存在
var ErrJobNotFound = errors.New("任务不存在")

// ErrInvalidTransition 状态迁移不满足 pending→processing→终态
var ErrInvalidTransition = errors.New("非法的任务状态迁移")
