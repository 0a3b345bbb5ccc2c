package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/taskhive/taskhive-backend/internal/policy"
)

// AccessWriter updates a user's AI access policy.
type AccessWriter interface {
	SetUserAccess(ctx context.Context, userID string, update policy.AccessUpdate, adminEmail string) (policy.UserAccessPolicy, error)
}

// AccessHandler handles per-user AI access changes.
type AccessHandler struct {
	store AccessWriter
}

// NewAccessHandler constructs an AccessHandler.
func NewAccessHandler(store AccessWriter) *AccessHandler {
	return &AccessHandler{store: store}
}

// Update enables or disables AI for a user and sets their quota override.
func (h *AccessHandler) Update(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("uid"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user id"})
		return
	}

	var update policy.AccessUpdate
	if errBind := c.ShouldBindJSON(&update); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	updated, errSet := h.store.SetUserAccess(c.Request.Context(), userID, update, getAdminEmail(c))
	if errSet != nil {
		if errors.Is(errSet, policy.ErrInvalidQuota) || errors.Is(errSet, policy.ErrInvalidUserID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": errSet.Error()})
			return
		}
		log.WithError(errSet).WithField("user_id", userID).Error("ai access: update failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update AI access"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "AI access updated for user " + userID,
		"access":  updated,
	})
}
