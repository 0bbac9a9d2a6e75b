package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrefix(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"短于上限", "abc", 5, "abc"},
		{"恰好等于", "abc", 3, "abc"},
		{"截断", "abcdef", 4, "abcd"},
		{"多字节", "简历内容很长", 2, "简历"},
		{"零", "abc", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Prefix(tt.in, tt.n))
		})
	}
}

func TestContentHash_Separator(t *testing.T) {
	assert.NotEqual(t, ContentHash("ab", "c"), ContentHash("a", "bc"))
	assert.Equal(t, ContentHash("x", "y"), ContentHash("x", "y"))
	assert.Len(t, ContentHash("x"), 64)
}

func TestMapToJSONRoundTrip(t *testing.T) {
	assert.Equal(t, "{}", string(MapToJSON(nil)))
	m := JSONToMap(MapToJSON(map[string]any{"source": "pdf", "page_start": 1}))
	assert.Equal(t, "pdf", m["source"])
	assert.Equal(t, float64(1), m["page_start"])
	assert.Empty(t, JSONToMap([]byte("not json")))
}
