package handler

import (
	"llmrelay/internal/handler/admin"

	"github.com/google/wire"
)

// Handlers HTTP 层全部入口的汇总，供路由注册使用。
type Handlers struct {
	Gateway *GatewayHandler
	Models  *ModelsHandler
	Usage   *UsageHandler
	Health  *HealthHandler

	AdminAuth      *admin.AuthHandler
	AdminKeys      *admin.APIKeyHandler
	AdminAccounts  *admin.AccountHandler
	AdminGroups    *admin.GroupHandler
	AdminDashboard *admin.DashboardHandler
}

var ProviderSet = wire.NewSet(
	NewGatewayHandler,
	NewModelsHandler,
	NewUsageHandler,
	NewHealthHandler,

	admin.NewAuthHandler,
	admin.NewAPIKeyHandler,
	admin.NewAccountHandler,
	admin.NewGroupHandler,
	admin.NewDashboardHandler,

	wire.Struct(new(Handlers), "*"),
)
