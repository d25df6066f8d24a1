package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisis-intervention/backend/internal/models"
	"crisis-intervention/backend/internal/risk"
	"crisis-intervention/backend/internal/session"
	"crisis-intervention/backend/internal/specialist"
	apperrors "crisis-intervention/backend/pkg/errors"
	"crisis-intervention/backend/pkg/health"
	"crisis-intervention/backend/pkg/logger"
)

type testAPI struct {
	engine   *gin.Engine
	registry *specialist.MemoryRegistry
	store    *session.MemoryStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Discard()

	a := &testAPI{
		engine:   gin.New(),
		registry: specialist.NewMemoryRegistry(),
		store:    session.NewMemoryStore(session.WithLogger(log)),
	}
	a.engine.Use(apperrors.ErrorHandler())

	v1 := a.engine.Group("/api/v1")
	NewAssessmentHandler(risk.NewEngine(risk.DefaultQuestions(), risk.DefaultThresholds), log).RegisterRoutes(v1)
	NewSpecialistHandler(a.registry, log).RegisterRoutes(v1)
	NewSessionHandler(a.store).RegisterRoutes(v1)
	checker := health.NewChecker(log, time.Minute)
	checker.RunChecks(context.Background())
	NewHealthHandler(checker, func() int { return 2 }, "test").RegisterHealthRoutes(v1)
	return a
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestAssessment_Questions(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/v1/assessment/questions", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Questions  []risk.Question `json:"questions"`
		Categories []risk.Category `json:"categories"`
		Count      int             `json:"count"`
	}](t, w)
	assert.Equal(t, len(risk.DefaultQuestions()), body.Count)
	assert.Len(t, body.Categories, 8)
}

func TestAssessment_SingleYesNoAnswer(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/assessment", AssessmentRequest{
		Responses: []risk.QuestionResponse{{QuestionID: "threat-to-kill", Answer: true}},
	})

	require.Equal(t, http.StatusOK, w.Code)
	got := decode[risk.Assessment](t, w)
	assert.InDelta(t, 90, got.Score.TotalScore, 1e-9)
	assert.InDelta(t, 90, got.Score.MaxPossibleScore, 1e-9)
	assert.InDelta(t, 100, got.Score.Percentage, 1e-9)
	assert.Equal(t, risk.LevelHigh, got.Score.Level)
	assert.True(t, got.EmergencyTriggered)
	assert.NotEmpty(t, got.Recommendations)
	assert.Contains(t, got.MissingRequired, "immediate-danger-now")
	assert.NotContains(t, got.MissingRequired, "threat-to-kill")
}

func TestAssessment_RejectsMissingBody(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/assessment", map[string]any{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decode[errorResponse](t, w).Error.Code)
}

func TestSpecialists_Lifecycle(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/v1/specialists", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"specialists":[],"count":0}`, w.Body.String())

	req := UpsertSpecialistRequest{Name: "Dana", Specialities: []string{"crisis"}, IsOnline: true, MaxConcurrentChats: 2, ResponseTime: 20}
	w = a.do(t, http.MethodPut, "/api/v1/specialists/sp1", req)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[models.Specialist](t, w)
	assert.Equal(t, "sp1", created.ID)
	assert.True(t, created.IsAvailable)

	_, err := a.registry.IncrementLoad(context.Background(), "sp1")
	require.NoError(t, err)

	req.Name = "Dana R."
	w = a.do(t, http.MethodPut, "/api/v1/specialists/sp1", req)
	require.Equal(t, http.StatusOK, w.Code)
	updated := decode[models.Specialist](t, w)
	assert.Equal(t, "Dana R.", updated.Name)
	assert.Equal(t, 1, updated.CurrentChats)

	w = a.do(t, http.MethodPatch, "/api/v1/specialists/sp1/online", map[string]any{"isOnline": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[models.Specialist](t, w).IsOnline)

	w = a.do(t, http.MethodGet, "/api/v1/specialists?available=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, w)["count"])

	w = a.do(t, http.MethodGet, "/api/v1/specialists/sp1", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSpecialists_Errors(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/v1/specialists/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeSpecialistNotFound, decode[errorResponse](t, w).Error.Code)

	w = a.do(t, http.MethodPatch, "/api/v1/specialists/ghost/online", map[string]any{"isOnline": true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, http.MethodPatch, "/api/v1/specialists/ghost/online", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPut, "/api/v1/specialists/sp1", map[string]any{"name": "No capacity"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessions(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	_, _, err := a.store.GetOrCreate(ctx, "calm", "en")
	require.NoError(t, err)
	_, _, err = a.store.GetOrCreate(ctx, "urgent", "en")
	require.NoError(t, err)
	_, err = a.store.Escalate(ctx, "urgent", models.CrisisCritical, "test")
	require.NoError(t, err)

	w := a.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Sessions []models.SessionSummary `json:"sessions"`
	}](t, w)
	require.Len(t, list.Sessions, 2)
	assert.Equal(t, "urgent", list.Sessions[0].ID)
	assert.Equal(t, 10, list.Sessions[0].Priority)

	w = a.do(t, http.MethodGet, "/api/v1/sessions/urgent", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeSessionNotFound, decode[errorResponse](t, w).Error.Code)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.EqualValues(t, 2, body["websocket"].(map[string]any)["active_connections"])

	w = a.do(t, http.MethodGet, "/api/v1/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
