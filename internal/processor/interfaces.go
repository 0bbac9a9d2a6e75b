package processor

import (
	"context"

	"docmem-go/internal/clustering"
	"docmem-go/internal/types"
)

//
// 文档解析
//

// PageExtractor 按页提取文档文本
type PageExtractor interface {
	// ExtractPages 返回每页的纯文本，文档无法解析时返回包装了 parser.ErrUnreadableDocument 的错误
	ExtractPages(ctx context.Context, data []byte, uri string) ([]string, error)
}

// SectionDetector 把分页文本切分为章节，结果至少包含一个章节
type SectionDetector interface {
	DetectWithFallback(pages []string) []types.DocumentSection
}

//
// 摘要
//

// SectionSummarizer 调用模型生成章节摘要，失败时返回错误由调用方决定兜底
type SectionSummarizer interface {
	TrySummarize(ctx context.Context, sec types.DocumentSection) (string, error)
}

// SummaryCache 章节摘要缓存
type SummaryCache interface {
	Get(ctx context.Context, sec types.DocumentSection) (string, bool)
	Set(ctx context.Context, sec types.DocumentSection, summary string)
}

//
// 记忆与聚类
//

// MemoryWriter 持久化长期记忆（记录 + 向量）
type MemoryWriter interface {
	AddLongTermMemory(ctx context.Context, userID, content string, metadata map[string]any, namespace string) (*types.MemoryView, error)
}

// ClusterRunner 任务成功后触发的聚类
type ClusterRunner interface {
	Run(ctx context.Context, userID string) (*clustering.RunReport, error)
}
