package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"crisis-intervention/backend/pkg/health"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checker     *health.Checker
	connections func() int
	version     string
	started     time.Time
}

// NewHealthHandler creates the handler. connections reports open websocket
// connections and may be nil.
func NewHealthHandler(checker *health.Checker, connections func() int, version string) *HealthHandler {
	return &HealthHandler{checker: checker, connections: connections, version: version, started: time.Now()}
}

// HealthResponse is the liveness response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// Live reports that the process is serving requests
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	})
}

// Ready reports component health; 503 while a critical component is down
func (h *HealthHandler) Ready() gin.HandlerFunc {
	return h.checker.Handler(func() gin.H {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		extra := gin.H{
			"version": h.version,
			"uptime":  time.Since(h.started).Round(time.Second).String(),
			"memory": gin.H{
				"alloc_mb":  memStats.Alloc / 1024 / 1024,
				"sys_mb":    memStats.Sys / 1024 / 1024,
				"gc_cycles": memStats.NumGC,
			},
		}
		if h.connections != nil {
			extra["websocket"] = gin.H{"active_connections": h.connections()}
		}
		return extra
	})
}

// RegisterHealthRoutes registers health check related routes
func (h *HealthHandler) RegisterHealthRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", h.Ready())
	rg.GET("/health/live", h.Live)
}
