// Package ctxkey 定义用于 context.Value 的类型安全 key
package ctxkey

// Key 定义 context key 的类型，避免使用内置 string 类型（staticcheck SA1029）
type Key string

const (
	// RequestID 为服务端生成/透传的请求 ID。
	RequestID Key = "ctx_request_id"

	// APIKeyID 认证通过后的 API Key ID。
	APIKeyID Key = "ctx_api_key_id"

	// Model 请求模型标识（用于统一请求链路日志字段）。
	Model Key = "ctx_model"

	// Endpoint 当前请求命中的逻辑端点（anthropic/openai/gemini/comm/droid/bedrock）。
	Endpoint Key = "ctx_endpoint"

	// Platform 当前请求最终命中的平台（用于统一请求链路日志字段）。
	Platform Key = "ctx_platform"

	// AccountID 当前请求最终命中的账号 ID（用于统一请求链路日志字段）。
	AccountID Key = "ctx_account_id"

	// ClientType 通过校验的客户端类型（claude_code/gemini_cli/...），未配置限制时为空。
	ClientType Key = "ctx_client_type"

	// AccountSwitchCount 表示请求过程中发生的账号切换次数
	AccountSwitchCount Key = "ctx_account_switch_count"
)
