package front

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/taskhive/taskhive-backend/internal/admission"
	"github.com/taskhive/taskhive-backend/internal/config"
	"github.com/taskhive/taskhive-backend/internal/db"
	relayhttp "github.com/taskhive/taskhive-backend/internal/http"
	"github.com/taskhive/taskhive-backend/internal/http/api/front/handlers"
	"github.com/taskhive/taskhive-backend/internal/policy"
	"github.com/taskhive/taskhive-backend/internal/security"
	"github.com/taskhive/taskhive-backend/internal/settings"
	"github.com/taskhive/taskhive-backend/internal/usage"
)

const frontSecret = "front-secret"

var frontEpoch = time.Date(2026, 10, 18, 15, 0, 0, 0, time.UTC)

// syncRecorder appends inline so the next admission sees the event.
type syncRecorder struct {
	ledger *usage.GormLedger
	mu     sync.Mutex
	errs   []error
}

func (r *syncRecorder) Record(event usage.Event) {
	_, err := r.ledger.Append(context.Background(), event)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

type frontFixture struct {
	router *gin.Engine
	ledger *usage.GormLedger
	token  string
}

func newFrontFixture(t *testing.T, upstreamURL string) *frontFixture {
	t.Helper()

	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	clock := quartz.NewMock(t)
	clock.Set(frontEpoch)

	ledger := usage.NewGormLedger(conn, usage.WithLedgerClock(clock))
	provider := settings.NewCachedProvider(settings.NewStore(conn), settings.WithClock(clock))
	resolver := policy.NewResolver(provider, policy.NewAccessStore(conn, nil))
	gate := admission.NewGate(resolver, admission.NewLedgerCounter(ledger), ledger, admission.WithClock(clock))

	aiHandler, errHandler := handlers.NewAIHandler(upstreamURL, 5*time.Second, provider, gate)
	if errHandler != nil {
		t.Fatalf("new ai handler: %v", errHandler)
	}
	usageHandler := handlers.NewUsageHandler(ledger, resolver, clock)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterFrontRoutes(router, config.JWTConfig{Secret: frontSecret}, gate, &syncRecorder{ledger: ledger}, aiHandler, usageHandler)

	token, errToken := security.GenerateToken(frontSecret, "u-1", "Ada", "ada@example.com", time.Hour)
	if errToken != nil {
		t.Fatalf("generate token: %v", errToken)
	}
	return &frontFixture{router: router, ledger: ledger, token: token}
}

func (f *frontFixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(`{"text":"assignment"}`))
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", "application/json")
	responseRecorder := httptest.NewRecorder()
	f.router.ServeHTTP(responseRecorder, req)
	return responseRecorder
}

func newModelService(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var (
		mu    sync.Mutex
		paths []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.Header.Get("Authorization") != "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get(handlers.HeaderModel) != settings.DefaultModel || r.Header.Get(handlers.HeaderUserID) != "u-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set(relayhttp.TokensUsedHeader, "2000")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"ok"}`))
	}))
	t.Cleanup(server.Close)
	return server, &paths
}

func TestAnalyzeQuotaOverHTTP(t *testing.T) {
	modelService, paths := newModelService(t)
	f := newFrontFixture(t, modelService.URL+"/v1")

	for i := 0; i < settings.DefaultMaxRequestsPerHour; i++ {
		responseRecorder := f.do(t, http.MethodPost, "/api/ai/analyze")
		if responseRecorder.Code != http.StatusOK {
			t.Fatalf("call %d: expected status 200, got %d: %s", i+1, responseRecorder.Code, responseRecorder.Body.String())
		}
	}
	if len(*paths) != settings.DefaultMaxRequestsPerHour || (*paths)[0] != "/v1/analyze" {
		t.Fatalf("unexpected upstream paths %v", *paths)
	}

	responseRecorder := f.do(t, http.MethodPost, "/api/ai/analyze")
	if responseRecorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", responseRecorder.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(responseRecorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !strings.Contains(body["error"], "20") || !strings.Contains(body["error"], "hour") {
		t.Fatalf("unexpected denial %q", body["error"])
	}

	tokens, err := f.ledger.SumTokensSince(context.Background(), "u-1", frontEpoch.Add(-time.Hour))
	if err != nil {
		t.Fatalf("sum tokens: %v", err)
	}
	if tokens != 40000 {
		t.Fatalf("expected 40000 tokens, got %d", tokens)
	}
}

func TestAnalyzeWithoutUpstreamRecordsError(t *testing.T) {
	f := newFrontFixture(t, "")

	responseRecorder := f.do(t, http.MethodPost, "/api/ai/refine")
	if responseRecorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", responseRecorder.Code)
	}

	events, err := f.ledger.Recent(context.Background(), "u-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Status != usage.StatusError || events[0].Endpoint != usage.EndpointRefine {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if events[0].ErrorMessage != "ai upstream not configured" {
		t.Fatalf("unexpected error message %q", events[0].ErrorMessage)
	}
}

func TestAdmissionAndUsageDoNotConsumeQuota(t *testing.T) {
	modelService, _ := newModelService(t)
	f := newFrontFixture(t, modelService.URL)

	if responseRecorder := f.do(t, http.MethodPost, "/api/ai/analyze"); responseRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", responseRecorder.Code)
	}

	for i := 0; i < 3; i++ {
		responseRecorder := f.do(t, http.MethodGet, "/api/ai/admission")
		if responseRecorder.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", responseRecorder.Code)
		}
		var decision admission.Decision
		if err := json.Unmarshal(responseRecorder.Body.Bytes(), &decision); err != nil {
			t.Fatalf("decode decision: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("expected allowed decision, got %+v", decision)
		}
	}

	responseRecorder := f.do(t, http.MethodGet, "/api/ai/usage")
	if responseRecorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", responseRecorder.Code)
	}
	var summary struct {
		HourlyRequests int64 `json:"hourlyRequests"`
		DailyTokens    int64 `json:"dailyTokens"`
		Policy         struct {
			Limits policy.Limits `json:"limits"`
		} `json:"policy"`
	}
	if err := json.Unmarshal(responseRecorder.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.HourlyRequests != 1 || summary.DailyTokens != 2000 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Policy.Limits.MaxRequestsPerHour != settings.DefaultMaxRequestsPerHour {
		t.Fatalf("unexpected limits %+v", summary.Policy.Limits)
	}
}

func TestAIRoutesRequireToken(t *testing.T) {
	f := newFrontFixture(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/ai/analyze", nil)
	responseRecorder := httptest.NewRecorder()
	f.router.ServeHTTP(responseRecorder, req)
	if responseRecorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", responseRecorder.Code)
	}
}
