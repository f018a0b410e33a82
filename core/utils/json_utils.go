package utils

import (
	"strings"
)

// SanitizeJSONSchema 递归清洗 JSON Schema，移除 Gemini responseSchema 不支持的字段
func SanitizeJSONSchema(schema map[string]interface{}) {
	if schema == nil {
		return
	}

	delete(schema, "default")
	delete(schema, "minLength")
	delete(schema, "maxLength")
	delete(schema, "additionalProperties")
	delete(schema, "title")
	delete(schema, "examples")
	delete(schema, "$schema")

	// Gemini 不支持数组形式的 type，如 ["string", "null"]
	if typeVal, ok := schema["type"]; ok {
		if typeArr, ok := typeVal.([]interface{}); ok {
			for _, t := range typeArr {
				if s, ok := t.(string); ok && s != "null" {
					schema["type"] = s
					break
				}
			}
			schema["nullable"] = true
		}
	}

	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for _, v := range props {
			if child, ok := v.(map[string]interface{}); ok {
				SanitizeJSONSchema(child)
			}
		}
	}

	if items, ok := schema["items"].(map[string]interface{}); ok {
		SanitizeJSONSchema(items)
	}
}

// CloneSchema 深拷贝 schema，避免清洗时修改调用方的数据
func CloneSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CloneSchema(val)
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, item := range val {
			cp[i] = cloneValue(item)
		}
		return cp
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

// StripCodeFence 去掉模型偶尔包裹在 JSON 外面的 ```json ... ``` 围栏
func StripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	} else {
		return text
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}
