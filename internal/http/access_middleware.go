package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/taskhive/taskhive-backend/internal/security"
)

// Gin context keys set by the auth middlewares.
const (
	ContextUserID     = "userID"
	ContextUserName   = "userName"
	ContextUserEmail  = "userEmail"
	ContextAdminEmail = "adminEmail"
	ContextAdminRole  = "adminRole"
)

// bearerToken extracts the bearer token, or returns the error message to
// send back.
func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", "missing authorization header"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return "", "invalid authorization format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// UserAuthMiddleware validates user JWTs and loads the caller into context.
func UserAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, errMsg := bearerToken(c)
		if errMsg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errMsg})
			return
		}

		claims, errJWT := security.ParseToken(secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserName, claims.Name)
		c.Set(ContextUserEmail, claims.Email)
		c.Next()
	}
}

// AdminAuthMiddleware validates admin JWTs and loads the admin into context.
func AdminAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		token, errMsg := bearerToken(c)
		if errMsg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errMsg})
			return
		}

		claims, errJWT := security.ParseAdminToken(secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextAdminEmail, claims.Email)
		c.Set(ContextAdminRole, claims.Role)
		c.Next()
	}
}
