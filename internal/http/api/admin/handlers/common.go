package handlers

import (
	"github.com/gin-gonic/gin"
	relayhttp "github.com/taskhive/taskhive-backend/internal/http"
)

// getAdminEmail extracts the authenticated admin's email from gin context.
func getAdminEmail(c *gin.Context) string {
	return c.GetString(relayhttp.ContextAdminEmail)
}
