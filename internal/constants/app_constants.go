package constants

import "time"

const (
	// ServiceName 上报链路追踪使用的服务名
	ServiceName = "docmem-go"
	// ServiceVersion 服务版本
	ServiceVersion = "0.1.0"

	// MaxUploadBytes 单个 PDF 上传上限
	MaxUploadBytes = 32 << 20

	// DefaultListLimit 列表接口默认条数
	DefaultListLimit = 50
	// MaxListLimit 列表接口最大条数
	MaxListLimit = 200

	// ContentPreviewRunes 向量元数据中保留的正文预览长度
	ContentPreviewRunes = 200

	// DefaultSummaryCacheTTL 章节摘要缓存默认过期时间
	DefaultSummaryCacheTTL = 7 * 24 * time.Hour

	// SourcePDF 记忆来源标记
	SourcePDF = "pdf"
)
