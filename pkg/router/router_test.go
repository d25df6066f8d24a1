package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisis-intervention/backend/pkg/config"
	"crisis-intervention/backend/pkg/di"
	"crisis-intervention/backend/pkg/logger"
)

func newTestRouter(t *testing.T, origins []string, metrics http.Handler) *Router {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Load()
	cfg.Database.Enabled = false
	cfg.Redis.Enabled = false
	cfg.AMQP.Enabled = false
	cfg.Encryption.Enabled = false
	cfg.Security.AllowedOrigins = origins
	cfg.Security.RateLimit = 1000
	cfg.Security.RateLimitBurst = 1000

	container, err := di.New(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close() })

	r := New(container, metrics)
	r.AddOpenAPIValidation("../../api/openapi.yaml")
	r.SetupRoutes()
	return r
}

func serve(r *Router, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)
	return w
}

func TestHealthRoutes(t *testing.T) {
	r := newTestRouter(t, []string{"*"}, nil)

	for _, path := range []string{"/health", "/health/live", "/api/v1/health"} {
		w := serve(r, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Body.String(), `"status":"ok"`, path)
	}
	assert.NotEmpty(t, serve(r, http.MethodGet, "/health", "", nil).Header().Get("X-Request-ID"))
}

func TestSpecialistRoundTripThroughRouter(t *testing.T) {
	r := newTestRouter(t, []string{"*"}, nil)

	w := serve(r, http.MethodPut, "/api/v1/specialists/sp1", `{"name":"Dana","specialities":["crisis"],"isOnline":true,"maxConcurrentChats":2}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = serve(r, http.MethodGet, "/api/v1/specialists?available=true", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"sp1"`)

	w = serve(r, http.MethodGet, "/api/v1/sessions/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpenAPIValidationRejectsBadBodies(t *testing.T) {
	r := newTestRouter(t, []string{"*"}, nil)

	w := serve(r, http.MethodPost, "/api/v1/assessment", `{"answers":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "SCHEMA_VIOLATION")

	w = serve(r, http.MethodGet, "/api/docs/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "openapi:")
}

func TestCORS(t *testing.T) {
	t.Run("preflight with wildcard", func(t *testing.T) {
		r := newTestRouter(t, []string{"*"}, nil)
		w := serve(r, http.MethodOptions, "/api/v1/specialists", "", map[string]string{"Origin": "https://app.example"})
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("explicit origins", func(t *testing.T) {
		r := newTestRouter(t, []string{"https://app.example"}, nil)
		w := serve(r, http.MethodGet, "/health/live", "", map[string]string{"Origin": "https://app.example"})
		assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

		w = serve(r, http.MethodGet, "/health/live", "", map[string]string{"Origin": "https://evil.example"})
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("crisis_messages_total 3\n"))
	})
	r := newTestRouter(t, []string{"*"}, metrics)

	w := serve(r, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "crisis_messages_total")

	r = newTestRouter(t, []string{"*"}, nil)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/metrics", "", nil).Code)
}

func TestWebSocketRouteRequiresUpgrade(t *testing.T) {
	r := newTestRouter(t, []string{"*"}, nil)

	w := serve(r, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
