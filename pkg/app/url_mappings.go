package app

import (
	"github.com/osvaldoandrade/validq/internal/controllers"
	"github.com/osvaldoandrade/validq/internal/middleware"
	"github.com/osvaldoandrade/validq/internal/providers"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	health := controllers.NewHealthController(map[string]controllers.HealthChecker{
		"persistence": app.Persistence,
		"redis":       providers.RedisHealth{Client: app.Redis},
	})
	app.Engine.GET("/healthz", health.Handle)
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	validations := controllers.NewGetValidationController(app.Validations)
	expire := controllers.NewExpireValidationController(app.Validations)
	disputes := controllers.NewDisputeController(app.Validations)
	balances := controllers.NewBalanceController(app.Validations)
	attestors := controllers.NewAttestorAdminController(app.Attestors)
	providerAdmin := controllers.NewProviderAdminController(app.Admin)

	v1 := app.Engine.Group("/v1/validq", middleware.AuthMiddleware(app.Validator))
	{
		v1.POST("/validations",
			middleware.RequireScope(middleware.ScopeRequest),
			middleware.RateLimitRequests(app.RateLimiter, app.Config),
			controllers.NewCreateValidationController(app.Validations).Handle)
		v1.GET("/validations/:hash", validations.Handle)
		v1.GET("/validations/:hash/disputed", validations.HandleDisputed)
		v1.POST("/validations/:hash/select", controllers.NewSelectValidatorController(app.Validations).Handle)
		v1.POST("/validations/:hash/responses",
			middleware.RequireScope(middleware.ScopeValidate),
			middleware.RateLimitSubmissions(app.RateLimiter, app.Config),
			controllers.NewSubmitValidationController(app.Validations).Handle)
		v1.POST("/validations/:hash/slash", expire.HandleSlash)
		v1.POST("/validations/:hash/reclaim", expire.HandleReclaim)
		v1.POST("/validations/:hash/disputes", middleware.RateLimitDisputes(app.RateLimiter, app.Config), disputes.Handle)
		v1.GET("/balances/:address", balances.Handle)

		subs := controllers.NewSubscriptionController(app.Subs)
		validators := v1.Group("/validators", middleware.RequireScope(middleware.ScopeValidate))
		validators.GET("/subscriptions", subs.HandleList)
		validators.POST("/subscriptions", subs.HandleCreate)
		validators.POST("/subscriptions/:id/heartbeat", subs.HandleHeartbeat)

		v1.POST("/admin/disputes/:hash/resolve", middleware.RequireRole(middleware.RoleArbitrator, middleware.RoleAdmin), disputes.HandleResolve)

		admin := v1.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
		admin.GET("/attestors", attestors.HandleList)
		admin.POST("/attestors", attestors.HandleAdd)
		admin.DELETE("/attestors/:address", attestors.HandleRemove)
		admin.GET("/overdue", controllers.NewOverdueController(app.Validations).Handle)
		admin.POST("/balances/:address/deposit", balances.HandleDeposit)
		admin.POST("/agents", providerAdmin.HandleRegisterAgent)
		admin.PUT("/stakes/:address", providerAdmin.HandleSetStake)
	}
}
