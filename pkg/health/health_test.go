package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisis-intervention/backend/pkg/logger"
)

func TestChecker_CriticalComponentDown(t *testing.T) {
	c := NewChecker(logger.Discard(), time.Minute)
	c.RegisterPingCheck("database", true, func(context.Context) error { return errors.New("connection refused") })
	c.RegisterPingCheck("redis", false, func(context.Context) error { return nil })

	c.RunChecks(context.Background())

	assert.False(t, c.IsSystemHealthy())
	components := c.GetStatus()
	require.Len(t, components, 3)
	assert.Equal(t, "database", components[0].Name)
	assert.Equal(t, StatusDown, components[0].Status)
	assert.Equal(t, "connection refused", components[0].Error)
	assert.Equal(t, StatusUp, components[1].Status)
}

func TestChecker_NonCriticalFailureKeepsSystemHealthy(t *testing.T) {
	c := NewChecker(logger.Discard(), time.Minute)
	c.RegisterPingCheck("amqp", false, func(context.Context) error { return errors.New("closed") })

	c.RunChecks(context.Background())

	assert.True(t, c.IsSystemHealthy())
}

func TestChecker_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := NewChecker(logger.Discard(), time.Minute)
	healthy := true
	c.RegisterPingCheck("database", true, func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("down")
	})

	r := gin.New()
	r.GET("/health", c.Handler(func() gin.H { return gin.H{"connections": 3} }))

	c.RunChecks(context.Background())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["connections"])

	healthy = false
	c.RunChecks(context.Background())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
