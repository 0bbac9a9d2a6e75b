package storage

import "time"

// 任务终态事件类型，同时用作路由键
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// JobEvent 任务进入终态时写入 outbox 的消息体
type JobEvent struct {
	EventType         string    `json:"event_type"`
	JobID             string    `json:"job_id"`
	UserID            string    `json:"user_id"`
	Filename          string    `json:"filename"`
	Status            string    `json:"status"`
	TotalSections     int       `json:"total_sections"`
	ProcessedSections int       `json:"processed_sections"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}
