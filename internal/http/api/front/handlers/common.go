package handlers

import (
	"github.com/gin-gonic/gin"
	relayhttp "github.com/taskhive/taskhive-backend/internal/http"
)

// getUserID extracts the user ID from gin context.
func getUserID(c *gin.Context) string {
	return c.GetString(relayhttp.ContextUserID)
}
