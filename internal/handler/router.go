package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/GoPolymarket/accountgate/internal/config"
	"github.com/GoPolymarket/accountgate/internal/middleware"
	"github.com/GoPolymarket/accountgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	Gate        *GateHandler
	Admin       *AdminHandler
	Users       *service.UserDirectory
	Idempotency middleware.IdempotencyStore
	Audit       *service.AuditService
	// Health maps a dependency name to its readiness probe.
	Health map[string]func(context.Context) error
}

func NewRouter(cfg *config.Config, deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", healthHandler(deps.Health))
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg, deps.Users))
	v1.Use(middleware.RateLimitMiddleware(deps.Users))
	{
		idem := middleware.IdempotencyMiddleware(deps.Idempotency)
		v1.POST("/accounts/:id/validate", idem, deps.Gate.Validate)
		v1.POST("/accounts/validate-all", idem, deps.Gate.ValidateAll)
		v1.POST("/accounts/:id/rate-limit/check", idem, deps.Gate.CheckRateLimit)
		v1.GET("/accounts/:id/security-report", deps.Gate.SecurityReport)
		v1.GET("/audit", deps.Gate.AuditLog)
		v1.GET("/ws/verdicts", deps.Gate.Stream)
	}

	admin := r.Group("/v1/admin")
	admin.Use(middleware.AdminMiddleware(cfg))
	if deps.Audit != nil {
		admin.Use(middleware.AdminAuditMiddleware(deps.Audit))
	}
	{
		admin.GET("/settings", deps.Admin.GetSettings)
		admin.PUT("/settings", deps.Admin.UpdateSettings)
		admin.PUT("/rate-limits/:exchange", deps.Admin.SetRateLimit)
		admin.DELETE("/rate-limits/:user/:account", deps.Admin.ResetRateLimit)
		admin.PUT("/accounts/:user/:account/credentials", middleware.AdminSecretMiddleware(cfg), deps.Admin.UpdateCredentials)
		admin.GET("/audit", deps.Admin.AuditLog)
	}
	return r
}

func healthHandler(checks map[string]func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		deps := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				deps[name] = err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			deps[name] = "ok"
		}
		c.JSON(code, gin.H{"status": status, "service": "accountgate", "dependencies": deps})
	}
}
