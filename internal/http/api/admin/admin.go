package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taskhive/taskhive-backend/internal/config"
	relayhttp "github.com/taskhive/taskhive-backend/internal/http"
	"github.com/taskhive/taskhive-backend/internal/http/api/admin/handlers"
)

// RegisterAdminRoutes registers the AI administration routes.
func RegisterAdminRoutes(r *gin.Engine, jwtCfg config.JWTConfig, settingsHandler *handlers.SettingsHandler, usageHandler *handlers.UsageHandler, accessHandler *handlers.AccessHandler) {
	if r == nil {
		return
	}

	admin := r.Group("/api/ai-admin")
	admin.Use(relayhttp.AdminAuthMiddleware(jwtCfg.AdminSecret))

	if settingsHandler != nil {
		admin.GET("/settings", settingsHandler.Get)
		admin.PUT("/settings", settingsHandler.Update)
	}
	if usageHandler != nil {
		admin.GET("/usage", usageHandler.Report)
		admin.GET("/usage/:uid", usageHandler.User)
	}
	if accessHandler != nil {
		admin.PATCH("/access/:uid", accessHandler.Update)
	}
}

// RegisterHealthRoutes registers the unauthenticated health and metrics
// endpoints.
func RegisterHealthRoutes(r *gin.Engine, healthHandler *handlers.HealthHandler) {
	if r == nil {
		return
	}
	if healthHandler != nil {
		r.GET("/healthz", healthHandler.Healthz)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
