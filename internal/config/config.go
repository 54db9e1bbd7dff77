// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	CORS        CORSConfig        `mapstructure:"cors"`
	Redis       RedisConfig       `mapstructure:"redis"`
	System      SystemConfig      `mapstructure:"system"`
	Security    SecurityConfig    `mapstructure:"security"`
	Session     SessionConfig     `mapstructure:"session"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Queue       QueueConfig       `mapstructure:"queue"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Pricing     PricingConfig     `mapstructure:"pricing"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	APIKeyAuth  APIKeyAuthConfig  `mapstructure:"api_key_auth_cache"`
	Admin       AdminConfig       `mapstructure:"admin"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
}

type ServerConfig struct {
	Host               string   `mapstructure:"host"`
	Port               int      `mapstructure:"port"`
	Mode               string   `mapstructure:"mode"` // gin mode: debug/release/test
	ReadHeaderTimeout  int      `mapstructure:"read_header_timeout"`
	IdleTimeout        int      `mapstructure:"idle_timeout"`
	TrustedProxies     []string `mapstructure:"trusted_proxies"`
	MaxRequestBodySize int64    `mapstructure:"max_request_body_size"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level           string            `mapstructure:"level"`
	Format          string            `mapstructure:"format"`
	ServiceName     string            `mapstructure:"service_name"`
	Environment     string            `mapstructure:"env"`
	Caller          bool              `mapstructure:"caller"`
	StacktraceLevel string            `mapstructure:"stacktrace_level"`
	Output          LogOutputConfig   `mapstructure:"output"`
	Rotation        LogRotationConfig `mapstructure:"rotation"`
}

type LogOutputConfig struct {
	ToStdout bool   `mapstructure:"to_stdout"`
	ToFile   bool   `mapstructure:"to_file"`
	FilePath string `mapstructure:"file_path"`
}

type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
	LocalTime  bool `mapstructure:"local_time"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  int    `mapstructure:"dial_timeout"`  // 秒
	ReadTimeout  int    `mapstructure:"read_timeout"`  // 秒
	WriteTimeout int    `mapstructure:"write_timeout"` // 秒
}

func (r *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type SystemConfig struct {
	// TimezoneOffset 统计口径的 UTC 偏移小时数（如 8 表示 UTC+8）
	TimezoneOffset int `mapstructure:"timezone_offset"`
	// MetricsWindowMinutes 实时 RPM/TPM 的滑动窗口长度（分钟）
	MetricsWindowMinutes int `mapstructure:"metrics_window_minutes"`
}

type SecurityConfig struct {
	// EncryptionKey 账号凭证加密口令（scrypt 派生 AES-256 密钥）
	EncryptionKey string `mapstructure:"encryption_key"`
	// EncryptionSalt 密钥派生盐，固定后不可变更，否则存量密文无法解密
	EncryptionSalt string `mapstructure:"encryption_salt"`
}

type SessionConfig struct {
	// StickyTTLHours 粘性会话映射 TTL（小时）
	StickyTTLHours int `mapstructure:"sticky_ttl_hours"`
	// RenewalThresholdMinutes 剩余 TTL 低于该阈值（分钟）时才续期
	RenewalThresholdMinutes int `mapstructure:"renewal_threshold_minutes"`
}

type ConcurrencyConfig struct {
	LeaseSeconds         int `mapstructure:"lease_seconds"`
	RenewIntervalSeconds int `mapstructure:"renew_interval_seconds"`
	CleanupGraceSeconds  int `mapstructure:"cleanup_grace_seconds"`
}

type QueueConfig struct {
	// DefaultTimeoutMs 排队等待上限（毫秒）
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms"`
	// PollIntervalMs 排队轮询间隔（毫秒）
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	// PerKeyWaitSampleLimit / GlobalWaitSampleLimit 等待耗时采样上限
	PerKeyWaitSampleLimit int `mapstructure:"per_key_wait_sample_limit"`
	GlobalWaitSampleLimit int `mapstructure:"global_wait_sample_limit"`
}

type RateLimitConfig struct {
	// DefaultWindowSeconds API Key 未配置 rateLimitWindow 时的默认窗口
	DefaultWindowSeconds int `mapstructure:"default_window_seconds"`
}

type PricingConfig struct {
	URL             string `mapstructure:"url"`
	HashURL         string `mapstructure:"hash_url"`
	FallbackFile    string `mapstructure:"fallback_file"`
	RefreshHours    int    `mapstructure:"refresh_hours"`
	HashPollMinutes int    `mapstructure:"hash_poll_minutes"`
	RequestTimeout  int    `mapstructure:"request_timeout"` // 秒
	ProxyURL        string `mapstructure:"proxy_url"`
}

type GatewayConfig struct {
	// MaxAccountSwitches 一次请求内允许的最大账号切换次数
	MaxAccountSwitches int `mapstructure:"max_account_switches"`
	// UpstreamTimeoutSeconds 上游整体超时
	UpstreamTimeoutSeconds int `mapstructure:"upstream_timeout_seconds"`
	// UserMessageLockTTLMs 账号串行锁 TTL
	UserMessageLockTTLMs int `mapstructure:"user_message_lock_ttl_ms"`
	// UserMessageDelayMs 同账号相邻请求的最小间隔
	UserMessageDelayMs int `mapstructure:"user_message_delay_ms"`
	// ServiceRates 全局服务倍率（service → multiplier），作用于 rated cost
	ServiceRates map[string]float64 `mapstructure:"service_rates"`
	// RateLimitAutoClearMinutes 账号限流标记自动清除时间
	RateLimitAutoClearMinutes int `mapstructure:"rate_limit_auto_clear_minutes"`
	// TempErrorRecoverMinutes temp_error 状态自动恢复时间
	TempErrorRecoverMinutes int `mapstructure:"temp_error_recover_minutes"`
}

type APIKeyAuthConfig struct {
	L1Size             int  `mapstructure:"l1_size"`
	L1TTLSeconds       int  `mapstructure:"l1_ttl_seconds"`
	NegativeTTLSeconds int  `mapstructure:"negative_ttl_seconds"`
	Singleflight       bool `mapstructure:"singleflight"`
}

type AdminConfig struct {
	// Username/Password 管理端登录凭证；Password 为空时启动交互式初始化
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// TotpSecret 可选的二步验证密钥（base32）
	TotpSecret string `mapstructure:"totp_secret"`
	// DashboardPushIntervalSeconds websocket 指标推送间隔
	DashboardPushIntervalSeconds int `mapstructure:"dashboard_push_interval_seconds"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type JobsConfig struct {
	// WeeklyOpusBackfillCron 每日重建周期 Opus 费用的 cron 表达式（5 段）
	WeeklyOpusBackfillCron string `mapstructure:"weekly_opus_backfill_cron"`
	// IndexMaintenanceCron 索引巡检 cron 表达式
	IndexMaintenanceCron string `mapstructure:"index_maintenance_cron"`
	Enabled              bool   `mapstructure:"enabled"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// 按优先级添加配置查找路径
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		viper.AddConfigPath(dataDir)
	}
	viper.AddConfigPath("/app/data")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/llmrelay")

	// 环境变量支持：LLMRELAY_REDIS_HOST 等
	viper.SetEnvPrefix("llmrelay")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config error: %w", err)
		}
		// 配置文件不存在时使用默认值
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	cfg.Server.Mode = strings.ToLower(strings.TrimSpace(cfg.Server.Mode))
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	cfg.Security.EncryptionKey = strings.TrimSpace(cfg.Security.EncryptionKey)
	cfg.Security.EncryptionSalt = strings.TrimSpace(cfg.Security.EncryptionSalt)
	cfg.Pricing.URL = strings.TrimSpace(cfg.Pricing.URL)
	cfg.Pricing.HashURL = strings.TrimSpace(cfg.Pricing.HashURL)
	cfg.Pricing.FallbackFile = strings.TrimSpace(cfg.Pricing.FallbackFile)
	cfg.CORS.AllowedOrigins = normalizeStringSlice(cfg.CORS.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config error: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// Server
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_header_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)
	viper.SetDefault("server.trusted_proxies", []string{})
	viper.SetDefault("server.max_request_body_size", int64(100*1024*1024))

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.service_name", "llmrelay")
	viper.SetDefault("log.env", "production")
	viper.SetDefault("log.caller", true)
	viper.SetDefault("log.stacktrace_level", "error")
	viper.SetDefault("log.output.to_stdout", true)
	viper.SetDefault("log.output.to_file", false)
	viper.SetDefault("log.output.file_path", "")
	viper.SetDefault("log.rotation.max_size_mb", 100)
	viper.SetDefault("log.rotation.max_backups", 10)
	viper.SetDefault("log.rotation.max_age_days", 7)
	viper.SetDefault("log.rotation.compress", true)
	viper.SetDefault("log.rotation.local_time", true)

	// CORS
	viper.SetDefault("cors.allowed_origins", []string{})
	viper.SetDefault("cors.allow_credentials", true)

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("redis.min_idle_conns", 10)
	viper.SetDefault("redis.dial_timeout", 5)
	viper.SetDefault("redis.read_timeout", 3)
	viper.SetDefault("redis.write_timeout", 3)

	// System
	viper.SetDefault("system.timezone_offset", 8)
	viper.SetDefault("system.metrics_window_minutes", 5)

	// Session
	viper.SetDefault("session.sticky_ttl_hours", 1)
	viper.SetDefault("session.renewal_threshold_minutes", 5)

	// Concurrency
	viper.SetDefault("concurrency.lease_seconds", 300)
	viper.SetDefault("concurrency.renew_interval_seconds", 30)
	viper.SetDefault("concurrency.cleanup_grace_seconds", 30)

	// Queue
	viper.SetDefault("queue.default_timeout_ms", 60000)
	viper.SetDefault("queue.poll_interval_ms", 200)
	viper.SetDefault("queue.per_key_wait_sample_limit", 500)
	viper.SetDefault("queue.global_wait_sample_limit", 2000)

	// Rate limit
	viper.SetDefault("rate_limit.default_window_seconds", 60)

	// Pricing
	viper.SetDefault("pricing.url", "")
	viper.SetDefault("pricing.hash_url", "")
	viper.SetDefault("pricing.fallback_file", "data/model_pricing.json")
	viper.SetDefault("pricing.refresh_hours", 24)
	viper.SetDefault("pricing.hash_poll_minutes", 10)
	viper.SetDefault("pricing.request_timeout", 30)
	viper.SetDefault("pricing.proxy_url", "")

	// Gateway
	viper.SetDefault("gateway.max_account_switches", 3)
	viper.SetDefault("gateway.upstream_timeout_seconds", 600)
	viper.SetDefault("gateway.user_message_lock_ttl_ms", 180000)
	viper.SetDefault("gateway.user_message_delay_ms", 0)
	viper.SetDefault("gateway.service_rates", map[string]float64{})
	viper.SetDefault("gateway.rate_limit_auto_clear_minutes", 60)
	viper.SetDefault("gateway.temp_error_recover_minutes", 5)

	// API key auth cache
	viper.SetDefault("api_key_auth_cache.l1_size", 4096)
	viper.SetDefault("api_key_auth_cache.l1_ttl_seconds", 10)
	viper.SetDefault("api_key_auth_cache.negative_ttl_seconds", 5)
	viper.SetDefault("api_key_auth_cache.singleflight", true)

	// Admin
	viper.SetDefault("admin.username", "admin")
	viper.SetDefault("admin.password", "")
	viper.SetDefault("admin.totp_secret", "")
	viper.SetDefault("admin.dashboard_push_interval_seconds", 5)

	// JWT
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("jwt.expire_hours", 24)

	// Jobs
	viper.SetDefault("jobs.enabled", true)
	viper.SetDefault("jobs.weekly_opus_backfill_cron", "10 0 * * *")
	viper.SetDefault("jobs.index_maintenance_cron", "0 * * * *")
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if c.System.TimezoneOffset < -12 || c.System.TimezoneOffset > 14 {
		return fmt.Errorf("invalid system.timezone_offset: %d", c.System.TimezoneOffset)
	}
	if c.System.MetricsWindowMinutes <= 0 {
		return fmt.Errorf("system.metrics_window_minutes must be positive")
	}
	if c.Session.StickyTTLHours <= 0 {
		return fmt.Errorf("session.sticky_ttl_hours must be positive")
	}
	if c.Concurrency.LeaseSeconds <= 0 || c.Concurrency.RenewIntervalSeconds <= 0 {
		return fmt.Errorf("concurrency lease/renew settings must be positive")
	}
	if c.Concurrency.RenewIntervalSeconds >= c.Concurrency.LeaseSeconds {
		return fmt.Errorf("concurrency.renew_interval_seconds must be less than lease_seconds")
	}
	if c.Queue.PollIntervalMs <= 0 {
		return fmt.Errorf("queue.poll_interval_ms must be positive")
	}
	if c.RateLimit.DefaultWindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.default_window_seconds must be positive")
	}
	if c.Gateway.MaxAccountSwitches < 0 {
		return fmt.Errorf("gateway.max_account_switches must not be negative")
	}
	return nil
}

func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
