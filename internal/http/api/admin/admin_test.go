package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/taskhive/taskhive-backend/internal/analytics"
	"github.com/taskhive/taskhive-backend/internal/audit"
	"github.com/taskhive/taskhive-backend/internal/config"
	"github.com/taskhive/taskhive-backend/internal/db"
	"github.com/taskhive/taskhive-backend/internal/http/api/admin/handlers"
	"github.com/taskhive/taskhive-backend/internal/models"
	"github.com/taskhive/taskhive-backend/internal/policy"
	"github.com/taskhive/taskhive-backend/internal/security"
	"github.com/taskhive/taskhive-backend/internal/settings"
	"github.com/taskhive/taskhive-backend/internal/usage"
	"gorm.io/gorm"
)

const adminSecret = "admin-secret"

var adminEpoch = time.Date(2026, 10, 18, 18, 0, 0, 0, time.UTC)

type adminFixture struct {
	router *gin.Engine
	conn   *gorm.DB
	ledger *usage.GormLedger
	token  string
}

func openAdminDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	conn := openAdminDB(t)
	clock := quartz.NewMock(t)
	clock.Set(adminEpoch)

	auditSink := audit.NewGormSink(conn)
	ledger := usage.NewGormLedger(conn, usage.WithLedgerClock(clock))
	provider := settings.NewCachedProvider(settings.NewStore(conn), settings.WithClock(clock))
	accessStore := policy.NewAccessStore(conn, auditSink)
	aggregator := analytics.NewAggregator(ledger, provider, analytics.WithClock(clock))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterAdminRoutes(router, config.JWTConfig{Secret: "user-secret", AdminSecret: adminSecret},
		handlers.NewSettingsHandler(provider, auditSink),
		handlers.NewUsageHandler(aggregator, ledger, accessStore),
		handlers.NewAccessHandler(accessStore),
	)
	RegisterHealthRoutes(router, handlers.NewHealthHandler(conn, nil, provider))

	token, errToken := security.GenerateAdminToken(adminSecret, "root@example.com", "admin", time.Hour)
	if errToken != nil {
		t.Fatalf("generate token: %v", errToken)
	}
	return &adminFixture{router: router, conn: conn, ledger: ledger, token: token}
}

func (f *adminFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	responseRecorder := httptest.NewRecorder()
	f.router.ServeHTTP(responseRecorder, req)
	return responseRecorder
}

func decodeBody(t *testing.T, responseRecorder *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(responseRecorder.Body.Bytes(), out); err != nil {
		t.Fatalf("decode body %q: %v", responseRecorder.Body.String(), err)
	}
}

func TestSettingsUpdateMasksKeyAndAudits(t *testing.T) {
	f := newAdminFixture(t)

	responseRecorder := f.do(t, http.MethodPut, "/api/ai-admin/settings", `{"apiKey":"sk-abcdef1234","model":"gemini-pro","rateLimits":{"maxRequestsPerHour":5}}`)
	if responseRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", responseRecorder.Code, responseRecorder.Body.String())
	}

	responseRecorder = f.do(t, http.MethodGet, "/api/ai-admin/settings", "")
	if responseRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", responseRecorder.Code)
	}
	var body map[string]any
	decodeBody(t, responseRecorder, &body)
	if _, ok := body["apiKey"]; ok {
		t.Fatalf("raw api key must not be returned: %v", body)
	}
	if body["apiKeyMasked"] != "••••••••1234" {
		t.Fatalf("unexpected masked key %v", body["apiKeyMasked"])
	}
	if body["model"] != "gemini-pro" || body["updatedBy"] != "root@example.com" {
		t.Fatalf("unexpected settings %v", body)
	}
	rateLimits, _ := body["rateLimits"].(map[string]any)
	if rateLimits["maxRequestsPerHour"] != float64(5) || rateLimits["maxRequestsPerDay"] != float64(settings.DefaultMaxRequestsPerDay) {
		t.Fatalf("unexpected rate limits %v", rateLimits)
	}

	var logs []models.AuditLog
	if errFind := f.conn.Where("action = ?", audit.ActionSettingsUpdated).Find(&logs).Error; errFind != nil {
		t.Fatalf("find audit logs: %v", errFind)
	}
	if len(logs) != 1 || logs[0].AdminEmail != "root@example.com" {
		t.Fatalf("unexpected audit logs %+v", logs)
	}
	if logs[0].Details != "Updated AI settings: model, apiKey, rateLimits" {
		t.Fatalf("unexpected audit details %q", logs[0].Details)
	}
}

func TestSettingsUpdateRejectsInvalidValues(t *testing.T) {
	f := newAdminFixture(t)

	responseRecorder := f.do(t, http.MethodPut, "/api/ai-admin/settings", `{"temperature":3}`)
	if responseRecorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", responseRecorder.Code)
	}
	responseRecorder = f.do(t, http.MethodPut, "/api/ai-admin/settings", `{"temperature":`)
	if responseRecorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for malformed body, got %d", responseRecorder.Code)
	}
}

func TestAccessUpdateAndUserUsage(t *testing.T) {
	f := newAdminFixture(t)

	responseRecorder := f.do(t, http.MethodPatch, "/api/ai-admin/access/u-1", `{"enabled":false,"customQuota":{"maxRequestsPerHour":3}}`)
	if responseRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", responseRecorder.Code, responseRecorder.Body.String())
	}

	if _, err := f.ledger.Append(context.Background(), usage.Event{
		UserID:     "u-1",
		Endpoint:   usage.EndpointAnalyze,
		Status:     usage.StatusSuccess,
		TokensUsed: 1000,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	responseRecorder = f.do(t, http.MethodGet, "/api/ai-admin/usage/u-1?limit=10", "")
	if responseRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", responseRecorder.Code)
	}
	var detail struct {
		UserID      string                  `json:"userId"`
		Access      policy.UserAccessPolicy `json:"access"`
		RecentLogs  []usage.Event           `json:"recentLogs"`
		TotalLogged int                     `json:"totalLogged"`
	}
	decodeBody(t, responseRecorder, &detail)
	if detail.UserID != "u-1" || detail.Access.Enabled || detail.TotalLogged != 1 {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if detail.Access.CustomQuota == nil || detail.Access.CustomQuota.MaxRequestsPerHour == nil || *detail.Access.CustomQuota.MaxRequestsPerHour != 3 {
		t.Fatalf("unexpected custom quota %+v", detail.Access.CustomQuota)
	}

	var logs []models.AuditLog
	if errFind := f.conn.Where("action = ?", audit.ActionAccessDisabled).Find(&logs).Error; errFind != nil {
		t.Fatalf("find audit logs: %v", errFind)
	}
	if len(logs) != 1 || logs[0].TargetUserID != "u-1" {
		t.Fatalf("unexpected audit logs %+v", logs)
	}
}

func TestAccessUpdateMergesQuotaFields(t *testing.T) {
	f := newAdminFixture(t)

	responseRecorder := f.do(t, http.MethodPatch, "/api/ai-admin/access/u-1", `{"customQuota":{"maxRequestsPerDay":50}}`)
	if responseRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", responseRecorder.Code, responseRecorder.Body.String())
	}
	responseRecorder = f.do(t, http.MethodPatch, "/api/ai-admin/access/u-1", `{"customQuota":{"maxRequestsPerHour":5}}`)
	if responseRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", responseRecorder.Code, responseRecorder.Body.String())
	}
	var body struct {
		Access policy.UserAccessPolicy `json:"access"`
	}
	decodeBody(t, responseRecorder, &body)
	quota := body.Access.CustomQuota
	if quota == nil || quota.MaxRequestsPerDay == nil || *quota.MaxRequestsPerDay != 50 {
		t.Fatalf("daily override was reset: %+v", quota)
	}
	if quota.MaxRequestsPerHour == nil || *quota.MaxRequestsPerHour != 5 {
		t.Fatalf("unexpected hourly override %+v", quota)
	}
}

func TestAccessUpdateRejectsNonPositiveQuota(t *testing.T) {
	f := newAdminFixture(t)

	responseRecorder := f.do(t, http.MethodPatch, "/api/ai-admin/access/u-1", `{"customQuota":{"maxRequestsPerDay":0}}`)
	if responseRecorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", responseRecorder.Code)
	}
}

func TestUserUsageForUnknownUser(t *testing.T) {
	f := newAdminFixture(t)

	responseRecorder := f.do(t, http.MethodGet, "/api/ai-admin/usage/nobody", "")
	if responseRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", responseRecorder.Code)
	}
	if !strings.Contains(responseRecorder.Body.String(), `"recentLogs":[]`) {
		t.Fatalf("expected empty recentLogs array, got %s", responseRecorder.Body.String())
	}
}

func TestUsageReport(t *testing.T) {
	f := newAdminFixture(t)
	for _, userID := range []string{"u-1", "u-1", "u-2"} {
		if _, err := f.ledger.Append(context.Background(), usage.Event{
			UserID:     userID,
			Endpoint:   usage.EndpointRefine,
			Status:     usage.StatusSuccess,
			TokensUsed: 2000,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	responseRecorder := f.do(t, http.MethodGet, "/api/ai-admin/usage?period=24h", "")
	if responseRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", responseRecorder.Code, responseRecorder.Body.String())
	}
	var report analytics.Report
	decodeBody(t, responseRecorder, &report)
	if report.Overview.TotalRequests != 3 || report.Overview.TotalTokens != 6000 || report.Overview.UniqueUsers != 2 {
		t.Fatalf("unexpected overview %+v", report.Overview)
	}
	if report.Overview.Period != analytics.Period24h {
		t.Fatalf("unexpected period %q", report.Overview.Period)
	}
	if len(report.PerUser) != 2 || report.PerUser[0].UserID != "u-1" {
		t.Fatalf("unexpected per-user order %+v", report.PerUser)
	}

	responseRecorder = f.do(t, http.MethodGet, "/api/ai-admin/usage?period=24h&userId=u-2", "")
	decodeBody(t, responseRecorder, &report)
	if report.Overview.TotalRequests != 1 {
		t.Fatalf("expected filtered report, got %+v", report.Overview)
	}
}

type failingReports struct{}

func (failingReports) Report(context.Context, analytics.Period, string) (analytics.Report, error) {
	return analytics.Report{}, errors.Join(analytics.ErrAggregationFailed, errors.New("connection reset"))
}

func TestUsageReportFailureIsRetryable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterAdminRoutes(router, config.JWTConfig{AdminSecret: adminSecret}, nil, handlers.NewUsageHandler(failingReports{}, nil, nil), nil)

	token, errToken := security.GenerateAdminToken(adminSecret, "root@example.com", "admin", time.Hour)
	if errToken != nil {
		t.Fatalf("generate token: %v", errToken)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/ai-admin/usage", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	responseRecorder := httptest.NewRecorder()
	router.ServeHTTP(responseRecorder, req)

	if responseRecorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", responseRecorder.Code)
	}
}

func TestAdminRoutesRejectUserTokens(t *testing.T) {
	f := newAdminFixture(t)
	userToken, errToken := security.GenerateToken(adminSecret, "u-1", "Ada", "ada@example.com", time.Hour)
	if errToken != nil {
		t.Fatalf("generate token: %v", errToken)
	}
	f.token = userToken

	responseRecorder := f.do(t, http.MethodGet, "/api/ai-admin/settings", "")
	if responseRecorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", responseRecorder.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newAdminFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	responseRecorder := httptest.NewRecorder()
	f.router.ServeHTTP(responseRecorder, req)
	if responseRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", responseRecorder.Code)
	}
	var body struct {
		Status   string `json:"status"`
		Services struct {
			Database struct{ Status string } `json:"database"`
			Redis    struct{ Status string } `json:"redis"`
			AI       struct {
				Enabled bool   `json:"enabled"`
				Model   string `json:"model"`
			} `json:"ai"`
		} `json:"services"`
	}
	decodeBody(t, responseRecorder, &body)
	if body.Status != "ok" || body.Services.Database.Status != "ok" || body.Services.Redis.Status != "disabled" {
		t.Fatalf("unexpected health %+v", body)
	}
	if !body.Services.AI.Enabled || body.Services.AI.Model != settings.DefaultModel {
		t.Fatalf("unexpected ai health %+v", body.Services.AI)
	}
}

func TestHealthzReportsRedisOutage(t *testing.T) {
	conn := openAdminDB(t)
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterHealthRoutes(router, handlers.NewHealthHandler(conn, client, nil))

	serve := func() int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		responseRecorder := httptest.NewRecorder()
		router.ServeHTTP(responseRecorder, req)
		return responseRecorder.Code
	}
	if code := serve(); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	server.Close()
	if code := serve(); code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 after redis shutdown, got %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterHealthRoutes(router, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	responseRecorder := httptest.NewRecorder()
	router.ServeHTTP(responseRecorder, req)
	if responseRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", responseRecorder.Code)
	}
	if !strings.Contains(responseRecorder.Body.String(), "taskhive_ai_") {
		t.Fatalf("expected taskhive metrics in exposition")
	}
}
