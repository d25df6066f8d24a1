package validator

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "crisis-intervention/backend/pkg/errors"
)

const schemaPath = "../../api/openapi.yaml"

func newEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	v, err := NewOpenAPIValidator(schemaPath)
	require.NoError(t, err)

	r := gin.New()
	r.Use(apperrors.ErrorHandler(), v.Middleware())
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.POST("/api/v1/assessment", ok)
	r.PUT("/api/v1/specialists/:id", ok)
	r.GET("/ws", ok)
	return r
}

func serve(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_AcceptsValidRequests(t *testing.T) {
	r := newEngine(t)

	w := serve(r, http.MethodPost, "/api/v1/assessment", `{"responses":[{"questionId":"threat-to-kill","answer":true}]}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, http.MethodPut, "/api/v1/specialists/sp1", `{"name":"Dana","maxConcurrentChats":3}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_RejectsSchemaViolations(t *testing.T) {
	r := newEngine(t)

	w := serve(r, http.MethodPost, "/api/v1/assessment", `{"answers":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), CodeSchemaViolation)

	w = serve(r, http.MethodPut, "/api/v1/specialists/sp1", `{"name":"Dana","maxConcurrentChats":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMiddleware_IgnoresUndocumentedRoutes(t *testing.T) {
	r := newEngine(t)

	w := serve(r, http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewOpenAPIValidator_InvalidSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("openapi: 3.0.3\npaths: {}\n"), 0o600))

	_, err := NewOpenAPIValidator(path)
	assert.Error(t, err)
}
