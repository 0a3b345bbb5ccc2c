package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taskhive/taskhive-backend/internal/admission"
	"github.com/taskhive/taskhive-backend/internal/usage"
)

// TokensUsedHeader carries the token count reported by the model service.
const TokensUsedHeader = "X-AI-Tokens-Used"

// Admitter decides whether a user may make an AI call.
type Admitter interface {
	Admit(ctx context.Context, userID string) admission.Decision
}

// UsageRecorder accepts usage events without blocking.
type UsageRecorder interface {
	Record(event usage.Event)
}

// AIAdmissionMiddleware admits the caller before the AI handler runs and
// records exactly one usage event once it has finished, including when the
// handler panics. Denied calls answer 429 and are not recorded.
func AIAdmissionMiddleware(gate Admitter, recorder UsageRecorder, endpoint usage.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(ContextUserID)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		decision := gate.Admit(c.Request.Context(), userID)
		if !decision.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": decision.Reason})
			return
		}

		start := time.Now()
		completed := false
		defer func() {
			if recorder == nil {
				return
			}
			event := usage.Event{
				UserID:     userID,
				UserName:   c.GetString(ContextUserName),
				UserEmail:  c.GetString(ContextUserEmail),
				Endpoint:   endpoint,
				Status:     usage.StatusSuccess,
				TokensUsed: tokensUsed(c.Writer.Header().Get(TokensUsedHeader)),
				DurationMs: time.Since(start).Milliseconds(),
			}
			switch status := c.Writer.Status(); {
			case !completed:
				// The panic keeps unwinding to the recovery middleware.
				event.Status = usage.StatusError
				event.ErrorMessage = "internal error: handler panicked"
			case status >= http.StatusBadRequest:
				event.Status = usage.StatusError
				event.ErrorMessage = failureMessage(c, status)
			}
			recorder.Record(event)
		}()

		c.Next()
		completed = true
	}
}

func tokensUsed(raw string) int64 {
	value, errParse := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if errParse != nil || value < 0 {
		return 0
	}
	return value
}

func failureMessage(c *gin.Context, status int) string {
	if last := c.Errors.Last(); last != nil {
		return last.Error()
	}
	return fmt.Sprintf("status %d: %s", status, http.StatusText(status))
}
