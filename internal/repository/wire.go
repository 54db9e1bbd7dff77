package repository

import (
	"github.com/google/wire"
)

var ProviderSet = wire.NewSet(
	NewRedisClient,
	NewStore,

	NewAPIKeyRepo,
	NewAccountRepo,
	NewGroupRepo,
	NewConcurrencyCache,
	NewQueueCache,
	NewAccountLockCache,
	NewSessionCache,
	NewRateLimitCache,
	NewUsageRepo,
	NewMigrationRepo,
)
