package domain

// Platform constants 上游账号平台
const (
	PlatformClaude          = "claude"           // Claude OAuth 官方账号
	PlatformClaudeConsole   = "claude-console"   // Claude Console（API Key + Base URL）
	PlatformOpenAI          = "openai"           // OpenAI Chat Completions
	PlatformOpenAIResponses = "openai-responses" // OpenAI Responses API
	PlatformGemini          = "gemini"           // Gemini OAuth
	PlatformGeminiAPI       = "gemini-api"       // Gemini API Key
	PlatformBedrock         = "bedrock"          // AWS Bedrock
	PlatformDroid           = "droid"            // Droid（anthropic/openai/comm 三种 endpointType）
	PlatformCCR             = "ccr"              // Claude Code Router
	PlatformAzureOpenAI     = "azure-openai"     // Azure OpenAI
)

// Endpoint constants 请求命中的逻辑端点
const (
	EndpointAnthropic = "anthropic"
	EndpointOpenAI    = "openai"
	EndpointComm      = "comm" // 通用端点，任意 endpointType 均可服务
	EndpointGemini    = "gemini"
	EndpointBedrock   = "bedrock"
	EndpointDroid     = "droid"
)

// Account status constants
const (
	AccountStatusActive       = "active"
	AccountStatusBlocked      = "blocked"
	AccountStatusUnauthorized = "unauthorized"
	AccountStatusError        = "error"
	AccountStatusTempError    = "temp_error"
)

// Account type constants 调度归属
const (
	AccountTypeShared    = "shared"
	AccountTypeDedicated = "dedicated"
	AccountTypeGroup     = "group"
)

// RateLimitStatus 账号限流标记
const (
	RateLimitStatusLimited = "limited"
)

// Binding prefix constants API Key 绑定字段的类型前缀
const (
	BindingPrefixGroup     = "group:"
	BindingPrefixAPI       = "api:"
	BindingPrefixResponses = "responses:"
)

// Client type constants 客户端限制
const (
	ClientClaudeCode = "claude_code"
	ClientGeminiCLI  = "gemini_cli"
	ClientCodexCLI   = "codex_cli"
	ClientDroidCLI   = "droid_cli"
)

// Queue outcome constants 排队统计字段
const (
	QueueOutcomeEntered          = "entered"
	QueueOutcomeSuccess          = "success"
	QueueOutcomeTimeout          = "timeout"
	QueueOutcomeCancelled        = "cancelled"
	QueueOutcomeSocketChanged    = "socket_changed"
	QueueOutcomeRejectedOverload = "rejected_overload"
)

// AllPlatforms 调度器已知的全部平台
var AllPlatforms = []string{
	PlatformClaude,
	PlatformClaudeConsole,
	PlatformOpenAI,
	PlatformOpenAIResponses,
	PlatformGemini,
	PlatformGeminiAPI,
	PlatformBedrock,
	PlatformDroid,
	PlatformCCR,
	PlatformAzureOpenAI,
}

// GroupPlatforms 分组允许的平台族
var GroupPlatforms = []string{"claude", "openai", "gemini", "droid"}
