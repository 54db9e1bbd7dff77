// Package logredact 日志脱敏：上游错误体、账号凭证等入日志前抹掉敏感字段。
package logredact

import (
	"encoding/json"
	"strings"
)

const (
	// maxDepth 限制递归深度以防止栈溢出
	maxDepth = 32

	mask = "***"
)

// credentialKeys 中继链路上可能出现的凭证字段：
// 调用方 API Key、上游 OAuth token、账号加密凭证与管理口令。
var credentialKeys = map[string]struct{}{
	"api_key":       {},
	"apikey":        {},
	"x-api-key":     {},
	"authorization": {},
	"access_token":  {},
	"refresh_token": {},
	"credential":    {},
	"secret":        {},
	"password":      {},
}

// RedactMap 返回脱敏后的副本，入参不被修改。
func RedactMap(input map[string]any, extraKeys ...string) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	out, ok := redact(input, keySet(extraKeys), 0).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return out
}

// RedactJSON 对 JSON 负载脱敏后重新编码；非 JSON 负载整体丢弃。
func RedactJSON(raw []byte, extraKeys ...string) string {
	if len(raw) == 0 {
		return ""
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return "<non-json payload redacted>"
	}
	encoded, err := json.Marshal(redact(value, keySet(extraKeys), 0))
	if err != nil {
		return "<redacted>"
	}
	return string(encoded)
}

func keySet(extraKeys []string) map[string]struct{} {
	if len(extraKeys) == 0 {
		return credentialKeys
	}
	keys := make(map[string]struct{}, len(credentialKeys)+len(extraKeys))
	for k := range credentialKeys {
		keys[k] = struct{}{}
	}
	for _, key := range extraKeys {
		if normalized := normalizeKey(key); normalized != "" {
			keys[normalized] = struct{}{}
		}
	}
	return keys
}

func redact(value any, keys map[string]struct{}, depth int) any {
	if depth > maxDepth {
		return "<depth limit exceeded>"
	}

	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if _, sensitive := keys[normalizeKey(k)]; sensitive {
				out[k] = mask
				continue
			}
			out[k] = redact(val, keys, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redact(item, keys, depth+1)
		}
		return out
	default:
		return value
	}
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
