package processor

import (
	"github.com/rs/zerolog"
)

// ComponentOpt 只修改 Components 中的字段
type ComponentOpt func(*Components)

// SettingOpt 只修改 Settings 中的字段
type SettingOpt func(*Settings)

// ----- 组件选项 -----

// WithDetector 替换章节识别器
func WithDetector(d SectionDetector) ComponentOpt {
	return func(c *Components) { c.Detector = d }
}

// WithSummaryCache 设置摘要缓存
func WithSummaryCache(sc SummaryCache) ComponentOpt {
	return func(c *Components) { c.Cache = sc }
}

// WithClusterer 设置任务完成后的聚类
func WithClusterer(r ClusterRunner) ComponentOpt {
	return func(c *Components) { c.Clusterer = r }
}

// ----- 设置选项 -----

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) SettingOpt {
	return func(s *Settings) { s.Logger = l }
}

// WithSkipClustering 关闭任务完成后的聚类
func WithSkipClustering(skip bool) SettingOpt {
	return func(s *Settings) { s.SkipClustering = skip }
}
