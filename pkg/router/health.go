package router

import (
	"crisis-intervention/backend/internal/api"
)

// setupHealthRoutes registers the root health endpoints. The same handler is
// mounted again under /api/v1.
func (r *Router) setupHealthRoutes() {
	r.healthHandler = api.NewHealthHandler(r.Container.Health, r.Hub.ClientCount, r.version)

	r.Engine.GET("/health", r.healthHandler.Ready())
	r.Engine.GET("/health/live", r.healthHandler.Live)
}
