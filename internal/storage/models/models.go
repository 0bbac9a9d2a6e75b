package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobRecord PDF 处理任务的持久化记录
type JobRecord struct {
	ID                string         `gorm:"column:id;type:char(36);primaryKey"`
	UserID            string         `gorm:"type:varchar(128);not null;index:idx_jobs_user_created,priority:1"`
	Filename          string         `gorm:"type:varchar(512);not null"`
	Status            string         `gorm:"type:varchar(20);not null;default:'pending';index:idx_jobs_status"`
	TotalSections     int            `gorm:"not null;default:0"`
	ProcessedSections int            `gorm:"not null;default:0"`
	ErrorMessage      *string        `gorm:"type:text"`
	Metadata          datatypes.JSON `gorm:"type:json"`
	CreatedAt         time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_jobs_user_created,priority:2,sort:desc"`
	UpdatedAt         time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (JobRecord) TableName() string {
	return "pdf_processing_jobs"
}

// Memory 用户记忆，长期记忆带向量引用
type Memory struct {
	ID          string         `gorm:"column:id;type:varchar(64);primaryKey"`
	UserID      string         `gorm:"type:varchar(128);not null;index:idx_memories_user_type_created,priority:1"`
	Type        string         `gorm:"type:varchar(8);not null;index:idx_memories_user_type_created,priority:2"`
	Content     string         `gorm:"type:text;not null"`
	EmbeddingID *string        `gorm:"type:varchar(64)"`
	Metadata    datatypes.JSON `gorm:"type:json"`
	CreatedAt   time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_memories_user_type_created,priority:3,sort:desc"`
}

func (Memory) TableName() string {
	return "memories"
}

// ClusterSummary 一次聚类产生的主题
type ClusterSummary struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"type:varchar(128);not null;index"`
	ClusterID string    `gorm:"type:varchar(64);not null;uniqueIndex"`
	Summary   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (ClusterSummary) TableName() string {
	return "cluster_summaries"
}

// ClusterMembership 聚类与记忆的多对多关联
type ClusterMembership struct {
	ClusterID string    `gorm:"type:varchar(64);primaryKey"`
	MemoryID  string    `gorm:"type:varchar(64);primaryKey;index"`
	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (ClusterMembership) TableName() string {
	return "cluster_memberships"
}
