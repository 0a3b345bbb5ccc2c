package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/taskhive/taskhive-backend/internal/db"
	"github.com/taskhive/taskhive-backend/internal/settings"
	"gorm.io/gorm"
)

const healthPingTimeout = 2 * time.Second

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	db       *gorm.DB
	redis    redis.Cmdable
	settings settings.Provider
	started  time.Time
}

// NewHealthHandler constructs a HealthHandler. redisClient may be nil.
func NewHealthHandler(conn *gorm.DB, redisClient redis.Cmdable, settingsProvider settings.Provider) *HealthHandler {
	return &HealthHandler{db: conn, redis: redisClient, settings: settingsProvider, started: time.Now()}
}

type serviceStatus struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
}

type aiStatus struct {
	Status  string `json:"status"`
	Enabled bool   `json:"enabled"`
	Model   string `json:"model"`
}

// Healthz checks database and Redis connectivity and reports the AI state.
func (h *HealthHandler) Healthz(c *gin.Context) {
	start := time.Now()
	ctx := c.Request.Context()

	database := probe(ctx, func(ctx context.Context) error { return db.Ping(ctx, h.db) })
	redisStatus := serviceStatus{Status: "disabled"}
	if h.redis != nil {
		redisStatus = probe(ctx, func(ctx context.Context) error { return h.redis.Ping(ctx).Err() })
	}

	ai := aiStatus{Status: "ok"}
	if h.settings != nil {
		current := h.settings.Current(ctx)
		ai.Enabled = current.Enabled
		ai.Model = current.Model
		if !current.Enabled {
			ai.Status = "disabled"
		}
	}

	status, code := "ok", http.StatusOK
	if database.Status != "ok" || redisStatus.Status == "error" {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	c.JSON(code, gin.H{
		"status":       status,
		"ok":           code == http.StatusOK,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"uptime":       int64(time.Since(h.started).Seconds()),
		"responseTime": time.Since(start).Milliseconds(),
		"services": gin.H{
			"database": database,
			"redis":    redisStatus,
			"ai":       ai,
		},
		"system": gin.H{
			"goVersion":   runtime.Version(),
			"goroutines":  runtime.NumGoroutine(),
			"heapAllocMb": mem.HeapAlloc / 1024 / 1024,
		},
	})
}

func probe(ctx context.Context, ping func(context.Context) error) serviceStatus {
	pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	start := time.Now()
	if err := ping(pingCtx); err != nil {
		return serviceStatus{Status: "error"}
	}
	return serviceStatus{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
}
