package constants

// Redis Key 统一格式: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// SummaryModulePrefix 章节摘要模块
	SummaryModulePrefix = "summary"
	// ClusterModulePrefix 记忆聚类模块
	ClusterModulePrefix = "cluster"

	// EntityCache 缓存实体
	EntityCache = "cache"
	// EntityLock 分布式锁实体
	EntityLock = "lock"

	// KeySummaryCache 章节摘要缓存 (STRING)
	// 格式: app:summary:cache:{contentHash}
	KeySummaryCache = AppPrefix + ":" + SummaryModulePrefix + ":" + EntityCache + ":%s"

	// KeyClusterLock 单用户聚类互斥锁 (STRING)
	// 格式: app:cluster:lock:{userID}
	KeyClusterLock = AppPrefix + ":" + ClusterModulePrefix + ":" + EntityLock + ":%s"
)
