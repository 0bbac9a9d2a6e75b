// Package idgen 生成业务标识符。
package idgen

import (
	"strings"

	gofrsuuid "github.com/gofrs/uuid/v5"
	"github.com/google/uuid"
)

// WithPrefix 生成 "{prefix}_{8位十六进制}" 形式的短标识，例如 mem_1a2b3c4d
func WithPrefix(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + hex[:8]
}

// JobID 生成按时间有序的任务ID (UUIDv7)，生成失败时退化为 v4
func JobID() string {
	if id, err := gofrsuuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// PointID 把任意字符串标识映射为稳定的 UUIDv5，用于要求 UUID 主键的向量库
func PointID(namespace, key string) string {
	return gofrsuuid.NewV5(gofrsuuid.NamespaceURL, namespace+"/"+key).String()
}
