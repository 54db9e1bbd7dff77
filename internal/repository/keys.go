package repository

import (
	"strconv"

	"llmrelay/internal/domain"
)

// 键名模式与存量数据保持逐字节兼容，新增键只增不改。

const (
	apiKeyHashMapKey   = "apikey:hash_map"
	apiKeyIdxAllKey    = "apikey:idx:all"
	apiKeyTagsAllKey   = "apikey:tags:all"
	apiKeyIdxVerKey    = "apikey:index:version"
	accountGroupsKey   = "account_groups"
	modelMonthsSetKey  = "usage:model:monthly:months"
	globalWaitTimesKey = "concurrency:queue:wait_times:global"
)

func apiKeyKey(id string) string { return "apikey:" + id }

// legacyAPIKeyHashKey 旧版单行哈希映射，仅在 hash_map 未命中时回退读取
func legacyAPIKeyHashKey(hash string) string { return "apikey_hash:" + hash }

// platformAccountPrefix 各平台账号哈希的键前缀。
// openai-responses 沿用历史扁平前缀，不遵循 <platform>:account: 形态。
var platformAccountPrefix = map[string]string{
	domain.PlatformClaude:          "claude:account:",
	domain.PlatformClaudeConsole:   "claude_console:account:",
	domain.PlatformOpenAI:          "openai:account:",
	domain.PlatformOpenAIResponses: "openai_responses_account:",
	domain.PlatformGemini:          "gemini:account:",
	domain.PlatformGeminiAPI:       "gemini_api:account:",
	domain.PlatformBedrock:         "bedrock:account:",
	domain.PlatformDroid:           "droid:account:",
	domain.PlatformCCR:             "ccr:account:",
	domain.PlatformAzureOpenAI:     "azure_openai:account:",
}

func accountKey(platform, id string) string {
	return platformAccountPrefix[platform] + id
}

func accountIndexKey(platform string) string {
	return platformAccountPrefix[platform] + "index"
}

func accountGroupKey(id string) string        { return "account_group:" + id }
func accountGroupMembersKey(id string) string { return "account_group_members:" + id }
func accountGroupsReverseKey(platform, accountID string) string {
	return "account_groups_reverse:" + platform + ":" + accountID
}

func accountBalanceKey(platform, accountID string) string {
	return "account_balance:" + platform + ":" + accountID
}
func accountBalanceLocalKey(platform, accountID string) string {
	return "account_balance_local:" + platform + ":" + accountID
}

// ---- usage aggregates ----

func usageTotalKey(keyID string) string          { return "usage:" + keyID }
func usageDailyKey(keyID, date string) string    { return "usage:daily:" + keyID + ":" + date }
func usageMonthlyKey(keyID, month string) string { return "usage:monthly:" + keyID + ":" + month }
func usageHourlyKey(keyID, hour string) string   { return "usage:hourly:" + keyID + ":" + hour }

func usageModelDailyKey(model, date string) string {
	return "usage:model:daily:" + model + ":" + date
}
func usageModelMonthlyKey(model, month string) string {
	return "usage:model:monthly:" + model + ":" + month
}
func usageModelHourlyKey(model, hour string) string {
	return "usage:model:hourly:" + model + ":" + hour
}

func usageKeyModelDailyKey(keyID, model, date string) string {
	return "usage:" + keyID + ":model:daily:" + model + ":" + date
}
func usageKeyModelMonthlyKey(keyID, model, month string) string {
	return "usage:" + keyID + ":model:monthly:" + model + ":" + month
}
func usageKeyModelHourlyKey(keyID, model, hour string) string {
	return "usage:" + keyID + ":model:hourly:" + model + ":" + hour
}
func usageKeyModelAlltimeKey(keyID, model string) string {
	return "usage:" + keyID + ":model:alltime:" + model
}

func usageGlobalTotalKey() string             { return "usage:global:total" }
func usageGlobalDailyKey(date string) string  { return "usage:global:daily:" + date }
func usageGlobalMonthlyKey(m string) string   { return "usage:global:monthly:" + m }
func usageGlobalHourlyKey(hour string) string { return "usage:global:hourly:" + hour }

func accountUsageTotalKey(accountID string) string { return "account_usage:" + accountID }
func accountUsageDailyKey(accountID, date string) string {
	return "account_usage:daily:" + accountID + ":" + date
}
func accountUsageMonthlyKey(accountID, month string) string {
	return "account_usage:monthly:" + accountID + ":" + month
}
func accountUsageHourlyKey(accountID, hour string) string {
	return "account_usage:hourly:" + accountID + ":" + hour
}
func accountUsageModelDailyKey(accountID, model, date string) string {
	return "account_usage:model:daily:" + accountID + ":" + model + ":" + date
}
func accountUsageModelHourlyKey(accountID, model, hour string) string {
	return "account_usage:model:hourly:" + accountID + ":" + model + ":" + hour
}

// ---- usage indices ----

func usageDailyIndexKey(date string) string  { return "usage:daily:index:" + date }
func usageHourlyIndexKey(hour string) string { return "usage:hourly:index:" + hour }
func usageModelDailyIndexKey(date string) string {
	return "usage:model:daily:index:" + date
}
func usageModelHourlyIndexKey(hour string) string {
	return "usage:model:hourly:index:" + hour
}
func usageModelMonthlyIndexKey(month string) string {
	return "usage:model:monthly:index:" + month
}
func usageKeyModelDailyIndexKey(date string) string {
	return "usage:keymodel:daily:index:" + date
}
func usageKeyModelHourlyIndexKey(hour string) string {
	return "usage:keymodel:hourly:index:" + hour
}
func accountUsageDailyIndexKey(date string) string {
	return "account_usage:daily:index:" + date
}
func accountUsageHourlyIndexKey(hour string) string {
	return "account_usage:hourly:index:" + hour
}
func accountUsageModelDailyIndexKey(date string) string {
	return "account_usage:model:daily:index:" + date
}
func accountUsageModelHourlyIndexKey(hour string) string {
	return "account_usage:model:hourly:index:" + hour
}

// ---- costs ----

func costDailyKey(keyID, date string) string    { return "usage:cost:daily:" + keyID + ":" + date }
func costMonthlyKey(keyID, month string) string { return "usage:cost:monthly:" + keyID + ":" + month }
func costHourlyKey(keyID, hour string) string   { return "usage:cost:hourly:" + keyID + ":" + hour }
func costTotalKey(keyID string) string          { return "usage:cost:total:" + keyID }
func costRealDailyKey(keyID, date string) string {
	return "usage:cost:real:daily:" + keyID + ":" + date
}
func costRealTotalKey(keyID string) string { return "usage:cost:real:total:" + keyID }

func opusWeeklyKey(keyID, period string) string { return "usage:opus:weekly:" + keyID + ":" + period }
func opusTotalKey(keyID string) string          { return "usage:opus:total:" + keyID }
func opusRealWeeklyKey(keyID, period string) string {
	return "usage:opus:real:weekly:" + keyID + ":" + period
}
func opusRealTotalKey(keyID string) string { return "usage:opus:real:total:" + keyID }

func usageRecordsKey(keyID string) string { return "usage:records:" + keyID }

func systemMetricsMinuteKey(unixMinute int64) string {
	return "system:metrics:minute:" + strconv.FormatInt(unixMinute, 10)
}

// ---- concurrency / queue / session ----

func concurrencyKey(keyID string) string { return "concurrency:" + keyID }
func consoleConcurrencyKey(accountID string) string {
	return "concurrency:console_account:" + accountID
}
func queueCounterKey(keyID string) string    { return "concurrency:queue:" + keyID }
func queueStatsKey(keyID string) string      { return "concurrency:queue:stats:" + keyID }
func queueWaitTimesKey(keyID string) string  { return "concurrency:queue:wait_times:" + keyID }
func stickySessionKey(scoped string) string  { return "sticky_session:" + scoped }
func userMsgLockKey(accountID string) string { return "user_msg_queue_lock:" + accountID }
func userMsgLastKey(accountID string) string { return "user_msg_queue_last:" + accountID }

// ---- rate limit ----

func rateLimitRequestsKey(keyID string) string    { return "rate_limit:requests:" + keyID }
func rateLimitTokensKey(keyID string) string      { return "rate_limit:tokens:" + keyID }
func rateLimitCostKey(keyID string) string        { return "rate_limit:cost:" + keyID }
func rateLimitWindowStartKey(keyID string) string { return "rate_limit:window_start:" + keyID }

func migrationKey(name string) string { return "system:migration:" + name }

func adminSessionKey(sessionID string) string { return "session:" + sessionID }
