//go:build wireinject
// +build wireinject

package main

import (
	"net/http"

	"llmrelay/internal/config"
	"llmrelay/internal/handler"
	"llmrelay/internal/repository"
	"llmrelay/internal/server"
	"llmrelay/internal/service"

	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// Application 进程级装配结果。
type Application struct {
	Server     *http.Server
	Config     *config.Config
	Migrations *service.MigrationService
	Jobs       *service.JobsService
	Cleanup    func()
}

func initializeApplication() (*Application, error) {
	wire.Build(
		config.ProviderSet,
		repository.ProviderSet,
		service.ProviderSet,
		handler.ProviderSet,
		server.ProviderSet,

		provideCleanup,

		wire.Struct(new(Application), "*"),
	)
	return nil, nil
}

// provideCleanup 关停顺序：先停后台任务，再停定时器与价格表，最后断开 Redis。
func provideCleanup(
	rdb *redis.Client,
	pricing *service.PricingService,
	timers *service.TimingWheelService,
	jobs *service.JobsService,
) func() {
	return func() {
		jobs.Stop()
		timers.Stop()
		pricing.Stop()
		_ = rdb.Close()
	}
}
