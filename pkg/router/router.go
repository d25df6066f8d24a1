package router

import (
	"net/http"
	"os"
	"slices"

	"github.com/gin-gonic/gin"

	"crisis-intervention/backend/internal/api"
	"crisis-intervention/backend/internal/ws"
	"crisis-intervention/backend/pkg/config"
	"crisis-intervention/backend/pkg/di"
	"crisis-intervention/backend/pkg/errors"
	"crisis-intervention/backend/pkg/logger"
)

// Router is the main router for the application
type Router struct {
	Engine    *gin.Engine
	Container *di.Container
	Logger    *logger.Logger
	Hub       *ws.Hub
	Config    *config.Config

	version       string
	metrics       http.Handler
	healthHandler *api.HealthHandler
}

// New creates a new router with the given container. metrics serves the
// scrape endpoint and may be nil.
func New(container *di.Container, metrics http.Handler) *Router {
	// Use the container's logger
	logger.SetGlobal(container.Logger)

	cfg := container.Config

	// Configure Gin mode based on environment
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	// Use the logger middleware first to capture all requests
	engine.Use(logger.Middleware(container.Logger))

	// Add custom error handler middleware
	engine.Use(errors.ErrorHandler())

	// Add custom recovery middleware with structured logging instead of default
	engine.Use(errors.RecoveryWithLogger())

	engine.Use(corsMiddleware(cfg.Security.AllowedOrigins))

	// Apply rate limiting to all routes
	engine.Use(container.HTTPLimiter.Middleware())

	return &Router{
		Engine:    engine,
		Container: container,
		Logger:    container.Logger,
		Hub:       container.Hub,
		Config:    cfg,
		version:   os.Getenv("APP_VERSION"),
		metrics:   metrics,
	}
}

// SetupRoutes registers all application routes. Validation middleware must be
// added before this call to cover the API group.
func (r *Router) SetupRoutes() {
	assessmentHandler := api.NewAssessmentHandler(r.Container.Risk, r.Logger)
	specialistHandler := api.NewSpecialistHandler(r.Container.Registry, r.Logger)
	sessionHandler := api.NewSessionHandler(r.Container.Store)

	r.setupHealthRoutes()

	// API version 1 routes
	v1 := r.Engine.Group("/api/v1")
	r.healthHandler.RegisterHealthRoutes(v1)
	assessmentHandler.RegisterRoutes(v1)
	specialistHandler.RegisterRoutes(v1)
	sessionHandler.RegisterRoutes(v1)

	if r.metrics != nil {
		r.Engine.GET("/metrics", gin.WrapH(r.metrics))
	}

	// WebSocket route
	r.Engine.GET("/ws", func(c *gin.Context) {
		ws.ServeWs(r.Hub, c)
	})
}

// corsMiddleware allows the configured origins plus the websocket upgrade headers
func corsMiddleware(allowed []string) gin.HandlerFunc {
	wildcard := len(allowed) == 0 || slices.Contains(allowed, "*")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case wildcard:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(allowed, origin):
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Accept-Encoding, X-Request-ID, Origin, Upgrade, Connection, Cache-Control")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Upgrade, Connection, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
