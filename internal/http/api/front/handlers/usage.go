package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/taskhive/taskhive-backend/internal/policy"
)

// WindowReader reads a user's recorded usage.
type WindowReader interface {
	CountSince(ctx context.Context, userID string, since time.Time) (int64, error)
	SumTokensSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// PolicyResolver returns a user's effective policy.
type PolicyResolver interface {
	Resolve(ctx context.Context, userID string) (policy.EffectivePolicy, error)
}

// UsageHandler serves the caller's own AI usage.
type UsageHandler struct {
	ledger   WindowReader
	resolver PolicyResolver
	clock    quartz.Clock
}

// NewUsageHandler constructs a UsageHandler. A nil clock uses the real clock.
func NewUsageHandler(ledger WindowReader, resolver PolicyResolver, clock quartz.Clock) *UsageHandler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &UsageHandler{ledger: ledger, resolver: resolver, clock: clock}
}

// usageSummary is the caller's consumption against their limits.
type usageSummary struct {
	Policy         policy.EffectivePolicy `json:"policy"`
	HourlyRequests int64                  `json:"hourlyRequests"`
	DailyRequests  int64                  `json:"dailyRequests"`
	DailyTokens    int64                  `json:"dailyTokens"`
}

// Stats returns the caller's usage in the rolling hour and day.
func (h *UsageHandler) Stats(c *gin.Context) {
	userID := getUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	now := h.clock.Now().UTC()
	effective, errResolve := h.resolver.Resolve(ctx, userID)
	if errResolve != nil {
		log.WithError(errResolve).WithField("user_id", userID).Warn("ai usage: resolve policy failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "AI usage unavailable, please retry later"})
		return
	}

	summary := usageSummary{Policy: effective}
	hourly, errHourly := h.ledger.CountSince(ctx, userID, now.Add(-time.Hour))
	daily, errDaily := h.ledger.CountSince(ctx, userID, now.Add(-24*time.Hour))
	tokens, errTokens := h.ledger.SumTokensSince(ctx, userID, now.Add(-24*time.Hour))
	if err := errors.Join(errHourly, errDaily, errTokens); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("ai usage: query ledger failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "AI usage unavailable, please retry later"})
		return
	}
	summary.HourlyRequests = hourly
	summary.DailyRequests = daily
	summary.DailyTokens = tokens
	c.JSON(http.StatusOK, summary)
}
