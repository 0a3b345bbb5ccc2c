package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/taskhive/taskhive-backend/internal/admission"
	"github.com/taskhive/taskhive-backend/internal/settings"
	"github.com/taskhive/taskhive-backend/internal/usage"
)

// Headers describing the active model configuration to the model service.
const (
	HeaderUserID           = "X-AI-User-ID"
	HeaderProvider         = "X-AI-Provider"
	HeaderModel            = "X-AI-Model"
	HeaderAPIKey           = "X-AI-Api-Key"
	HeaderTemperature      = "X-AI-Temperature"
	HeaderMaxTokens        = "X-AI-Max-Tokens"
	HeaderContentFiltering = "X-AI-Content-Filtering"
)

var errNoUpstream = errors.New("ai upstream not configured")

// AdmissionChecker evaluates admission without reserving a slot.
type AdmissionChecker interface {
	Check(ctx context.Context, userID string) admission.Decision
}

// AIHandler forwards AI calls to the model service.
type AIHandler struct {
	proxy    *httputil.ReverseProxy
	settings settings.Provider
	gate     AdmissionChecker
	timeout  time.Duration
}

// NewAIHandler constructs an AIHandler. An empty upstreamURL leaves the AI
// routes answering 503.
func NewAIHandler(upstreamURL string, timeout time.Duration, settingsProvider settings.Provider, gate AdmissionChecker) (*AIHandler, error) {
	h := &AIHandler{settings: settingsProvider, gate: gate, timeout: timeout}
	upstreamURL = strings.TrimSpace(upstreamURL)
	if upstreamURL == "" {
		return h, nil
	}
	target, errParse := url.Parse(upstreamURL)
	if errParse != nil {
		return nil, fmt.Errorf("front: parse ai upstream url: %w", errParse)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("front: ai upstream url %q must be absolute", upstreamURL)
	}
	h.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: proxyErrorHandler,
	}
	return h, nil
}

// Analyze forwards an assignment analysis call.
func (h *AIHandler) Analyze(c *gin.Context) {
	h.forward(c, usage.EndpointAnalyze)
}

// Refine forwards a refinement call.
func (h *AIHandler) Refine(c *gin.Context) {
	h.forward(c, usage.EndpointRefine)
}

// Admission returns the caller's admission decision without consuming quota.
func (h *AIHandler) Admission(c *gin.Context) {
	userID := getUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, h.gate.Check(c.Request.Context(), userID))
}

func (h *AIHandler) forward(c *gin.Context, endpoint usage.Endpoint) {
	if h.proxy == nil {
		_ = c.Error(errNoUpstream)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "AI service not configured"})
		return
	}

	ctx := c.Request.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	current := h.settings.Current(ctx)
	out := c.Request.Clone(ctx)
	out.URL.Path = "/" + string(endpoint)
	out.URL.RawPath = ""
	out.Header.Del("Authorization")
	out.Header.Set(HeaderUserID, getUserID(c))
	out.Header.Set(HeaderProvider, current.Provider)
	out.Header.Set(HeaderModel, current.Model)
	out.Header.Set(HeaderTemperature, strconv.FormatFloat(current.Temperature, 'f', -1, 64))
	out.Header.Set(HeaderMaxTokens, strconv.Itoa(current.MaxTokens))
	out.Header.Set(HeaderContentFiltering, strconv.FormatBool(current.ContentFiltering))
	if current.APIKey != "" {
		out.Header.Set(HeaderAPIKey, current.APIKey)
	}

	h.proxy.ServeHTTP(c.Writer, out)
}

func proxyErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	log.WithError(err).WithField("path", r.URL.Path).Warn("ai proxy: upstream request failed")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "AI service unavailable"})
}
