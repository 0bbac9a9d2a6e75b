package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"unicode/utf8"

	"gorm.io/datatypes"
)

// StringPtr 返回字符串的指针
func StringPtr(s string) *string {
	return &s
}

// IntPtr 返回整数的指针
func IntPtr(i int) *int {
	return &i
}

// RuneLen 按字符（而非字节）计算长度
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}

// Prefix 返回前 n 个字符，不会截断多字节字符
func Prefix(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// ContentHash 多段文本的 SHA-256，段之间以 0 字节分隔
func ContentHash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MapToJSON 把 map 编码为 datatypes.JSON，nil 或编码失败时返回 {}
func MapToJSON(m map[string]any) datatypes.JSON {
	if len(m) == 0 {
		return datatypes.JSON("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(b)
}

// JSONToMap 解码 datatypes.JSON，失败时返回空 map
func JSONToMap(j datatypes.JSON) map[string]any {
	out := map[string]any{}
	if len(j) == 0 {
		return out
	}
	if err := json.Unmarshal(j, &out); err != nil {
		return map[string]any{}
	}
	return out
}
