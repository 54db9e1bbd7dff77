package service

import (
	"llmrelay/internal/config"
	"llmrelay/internal/pkg/crypto"
	"llmrelay/internal/pkg/timeutil"

	"github.com/google/wire"
)

// ProvideCalendar 统计口径时区固定取配置偏移。
func ProvideCalendar(cfg *config.Config) *timeutil.Calendar {
	return timeutil.NewCalendar(cfg.System.TimezoneOffset)
}

// ProvideEncryptor 账号凭证加解密器，密钥由口令 + 盐派生。
func ProvideEncryptor(cfg *config.Config) (*crypto.Encryptor, error) {
	manager, err := crypto.NewManager(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return manager.Encryptor(cfg.Security.EncryptionSalt)
}

var ProviderSet = wire.NewSet(
	ProvideCalendar,
	ProvideEncryptor,

	NewAPIKeyAuthCache,
	NewAPIKeyService,
	NewClientValidator,
	NewSchedulerService,
	NewPricingService,
	NewUsageService,
	NewTimingWheelService,
	NewAccountHealthService,
	NewHTTPUpstream,
	NewRelayService,
	NewAdminService,
	NewDashboardService,
	NewMigrationService,
	NewJobsService,
)
