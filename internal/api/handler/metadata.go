package handler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// 记忆 metadata 表单字段的约束：必须是对象，键数量与键长度受限
const metadataSchemaJSON = `{
  "type": "object",
  "maxProperties": 64,
  "propertyNames": {"type": "string", "minLength": 1, "maxLength": 128}
}`

var metadataSchema = mustCompileSchema("metadata.json", metadataSchemaJSON)

func mustCompileSchema(name, text string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(text)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// ParseMetadata 解析表单中的 metadata JSON。空串返回 {}；格式错误或不符合约束时返回 {} 和错误
func ParseMetadata(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return map[string]any{}, fmt.Errorf("metadata 不是合法 JSON: %w", err)
	}
	if err := metadataSchema.Validate(v); err != nil {
		return map[string]any{}, fmt.Errorf("metadata 不符合约束: %w", err)
	}
	return v.(map[string]any), nil
}
