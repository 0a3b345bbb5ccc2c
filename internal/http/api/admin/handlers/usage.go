package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/taskhive/taskhive-backend/internal/analytics"
	"github.com/taskhive/taskhive-backend/internal/policy"
	"github.com/taskhive/taskhive-backend/internal/usage"
)

// ReportSource builds usage reports.
type ReportSource interface {
	Report(ctx context.Context, period analytics.Period, userID string) (analytics.Report, error)
}

// RecentReader lists a user's newest usage events.
type RecentReader interface {
	Recent(ctx context.Context, userID string, limit int) ([]usage.Event, error)
}

// UsageHandler handles admin usage endpoints.
type UsageHandler struct {
	reports ReportSource
	ledger  RecentReader
	access  policy.AccessReader
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(reports ReportSource, ledger RecentReader, access policy.AccessReader) *UsageHandler {
	return &UsageHandler{reports: reports, ledger: ledger, access: access}
}

// Report returns the usage overview, per-user breakdown, daily stats and
// alerts for a period.
func (h *UsageHandler) Report(c *gin.Context) {
	period := analytics.ParsePeriod(c.Query("period"))
	userID := strings.TrimSpace(c.Query("userId"))

	report, errReport := h.reports.Report(c.Request.Context(), period, userID)
	if errReport != nil {
		log.WithError(errReport).WithField("period", period).Warn("ai usage: report failed")
		if errors.Is(errReport, analytics.ErrAggregationFailed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "usage data temporarily unavailable, please retry"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch AI usage data"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// userUsage is the per-user detail response.
type userUsage struct {
	UserID      string                  `json:"userId"`
	Access      policy.UserAccessPolicy `json:"access"`
	RecentLogs  []usage.Event           `json:"recentLogs"`
	TotalLogged int                     `json:"totalLogged"`
}

// User returns a user's recent events and access policy.
func (h *UsageHandler) User(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("uid"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user id"})
		return
	}

	limit := usage.DefaultRecentLimit
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			if v > usage.MaxRecentLimit {
				v = usage.MaxRecentLimit
			}
			limit = v
		}
	}

	ctx := c.Request.Context()
	events, errRecent := h.ledger.Recent(ctx, userID, limit)
	if errRecent != nil {
		log.WithError(errRecent).WithField("user_id", userID).Warn("ai usage: recent failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "usage data temporarily unavailable, please retry"})
		return
	}
	access, errAccess := h.access.GetUserAccess(ctx, userID)
	if errAccess != nil {
		log.WithError(errAccess).WithField("user_id", userID).Warn("ai usage: read access failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "usage data temporarily unavailable, please retry"})
		return
	}
	if events == nil {
		events = []usage.Event{}
	}

	c.JSON(http.StatusOK, userUsage{
		UserID:      userID,
		Access:      access,
		RecentLogs:  events,
		TotalLogged: len(events),
	})
}
