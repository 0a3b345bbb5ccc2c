package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/taskhive/taskhive-backend/internal/audit"
	"github.com/taskhive/taskhive-backend/internal/settings"
	"github.com/taskhive/taskhive-backend/internal/util"
)

// SettingsService reads and updates the AI settings singleton.
type SettingsService interface {
	Current(ctx context.Context) settings.AIGlobalSettings
	Update(ctx context.Context, patch settings.SettingsUpdate, adminEmail string) (settings.AIGlobalSettings, []string, error)
}

// SettingsHandler handles the AI settings endpoints.
type SettingsHandler struct {
	settings SettingsService
	audit    audit.Recorder
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(service SettingsService, rec audit.Recorder) *SettingsHandler {
	return &SettingsHandler{settings: service, audit: rec}
}

// settingsView is the admin view of the settings with the API key masked.
type settingsView struct {
	settings.AIGlobalSettings
	APIKeyMasked string `json:"apiKeyMasked,omitempty"`
}

func newSettingsView(current settings.AIGlobalSettings) settingsView {
	view := settingsView{AIGlobalSettings: current}
	if current.APIKey != "" {
		view.APIKeyMasked = util.MaskSecret(current.APIKey)
	}
	view.APIKey = ""
	return view
}

// Get returns the resolved AI settings.
func (h *SettingsHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, newSettingsView(h.settings.Current(c.Request.Context())))
}

// Update applies a partial settings update.
func (h *SettingsHandler) Update(c *gin.Context) {
	var patch settings.SettingsUpdate
	if errBind := c.ShouldBindJSON(&patch); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	adminEmail := getAdminEmail(c)
	updated, changed, errUpdate := h.settings.Update(c.Request.Context(), patch, adminEmail)
	if errUpdate != nil {
		if errors.Is(errUpdate, settings.ErrInvalidSettings) {
			c.JSON(http.StatusBadRequest, gin.H{"error": errUpdate.Error()})
			return
		}
		log.WithError(errUpdate).Error("ai settings: update failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update AI settings"})
		return
	}

	audit.RecordBestEffort(h.audit, audit.Entry{
		Action:     audit.ActionSettingsUpdated,
		AdminEmail: adminEmail,
		Details:    "Updated AI settings: " + strings.Join(changed, ", "),
		Changes:    map[string]any{"fields": changed},
	})

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"message":  "AI settings updated",
		"changed":  changed,
		"settings": newSettingsView(updated),
	})
}
