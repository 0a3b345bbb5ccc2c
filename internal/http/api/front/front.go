package front

import (
	"github.com/gin-gonic/gin"
	"github.com/taskhive/taskhive-backend/internal/config"
	relayhttp "github.com/taskhive/taskhive-backend/internal/http"
	"github.com/taskhive/taskhive-backend/internal/http/api/front/handlers"
	"github.com/taskhive/taskhive-backend/internal/usage"
)

// Gate admits AI calls and answers dry-run checks.
type Gate interface {
	relayhttp.Admitter
	handlers.AdmissionChecker
}

// RegisterFrontRoutes registers the user-facing AI routes.
func RegisterFrontRoutes(r *gin.Engine, jwtCfg config.JWTConfig, gate Gate, recorder relayhttp.UsageRecorder, aiHandler *handlers.AIHandler, usageHandler *handlers.UsageHandler) {
	if r == nil || gate == nil || aiHandler == nil {
		return
	}

	ai := r.Group("/api/ai")
	ai.Use(relayhttp.UserAuthMiddleware(jwtCfg.Secret))

	ai.POST("/analyze", relayhttp.AIAdmissionMiddleware(gate, recorder, usage.EndpointAnalyze), aiHandler.Analyze)
	ai.POST("/refine", relayhttp.AIAdmissionMiddleware(gate, recorder, usage.EndpointRefine), aiHandler.Refine)
	ai.GET("/admission", aiHandler.Admission)

	if usageHandler != nil {
		ai.GET("/usage", usageHandler.Stats)
	}
}
