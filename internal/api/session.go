package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crisis-intervention/backend/internal/session"
)

// SessionHandler exposes read-only views of live sessions for dashboards
type SessionHandler struct {
	store session.Store
}

// NewSessionHandler creates the handler
func NewSessionHandler(store session.Store) *SessionHandler {
	return &SessionHandler{store: store}
}

// List returns session summaries, most urgent first
func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.store.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// Get returns a snapshot of one session with its history. Encrypted
// messages stay encrypted.
func (h *SessionHandler) Get(c *gin.Context) {
	s, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s.Summary(), "messages": s.Messages})
}

// RegisterRoutes mounts the session routes on rg
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/sessions")
	g.GET("", h.List)
	g.GET("/:id", h.Get)
}
