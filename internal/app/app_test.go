package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/taskhive/taskhive-backend/internal/config"
	"github.com/taskhive/taskhive-backend/internal/db"
	"github.com/taskhive/taskhive-backend/internal/security"
	"github.com/taskhive/taskhive-backend/internal/usage"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Database.DSN = ":memory:"
	cfg.JWT.Secret = "app-secret"
	cfg.JWT.AdminSecret = "app-admin-secret"
	return cfg
}

func newTestComponents(t *testing.T, cfg config.Config, redisClient redis.Cmdable) (*components, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 10, 18, 20, 0, 0, 0, time.UTC))

	c, errBuild := buildComponents(cfg, conn, redisClient, clock)
	if errBuild != nil {
		t.Fatalf("build components: %v", errBuild)
	}
	t.Cleanup(c.recorder.Close)
	engine, errRouter := c.router(cfg)
	if errRouter != nil {
		t.Fatalf("router: %v", errRouter)
	}
	return c, engine
}

func TestRouterRecordsUsageThroughRecorder(t *testing.T) {
	cfg := testConfig()
	c, engine := newTestComponents(t, cfg, nil)

	token, errToken := security.GenerateToken(cfg.JWT.Secret, "u-1", "Ada", "ada@example.com", time.Hour)
	if errToken != nil {
		t.Fatalf("generate token: %v", errToken)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/ai/analyze", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	responseRecorder := httptest.NewRecorder()
	engine.ServeHTTP(responseRecorder, req)
	if responseRecorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 without upstream, got %d", responseRecorder.Code)
	}

	c.recorder.Close()
	events, err := c.ledger.Recent(context.Background(), "u-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 || events[0].Status != usage.StatusError {
		t.Fatalf("expected one error event, got %+v", events)
	}
}

func TestRouterServesHealthAndNotFound(t *testing.T) {
	_, engine := newTestComponents(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	responseRecorder := httptest.NewRecorder()
	engine.ServeHTTP(responseRecorder, req)
	if responseRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", responseRecorder.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	responseRecorder = httptest.NewRecorder()
	engine.ServeHTTP(responseRecorder, req)
	if responseRecorder.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", responseRecorder.Code)
	}
}

func TestRedisModeUsesStrictCounter(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	cfg.Redis.URL = "redis://" + server.Addr()
	cfg.Admission.Mode = config.AdmissionModeRedis
	c, _ := newTestComponents(t, cfg, client)

	decision := c.gate.Admit(context.Background(), "u-1")
	if !decision.Allowed {
		t.Fatalf("expected allowed decision, got %+v", decision)
	}
	keys := server.Keys()
	if len(keys) != 1 || keys[0] != cfg.Redis.KeyPrefix+"u-1" {
		t.Fatalf("expected one reservation key, got %v", keys)
	}
}

func TestRedisModeRequiresClient(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.Mode = config.AdmissionModeRedis
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if _, err := buildComponents(cfg, conn, nil, quartz.NewReal()); err == nil {
		t.Fatalf("expected error without redis client")
	}
}
