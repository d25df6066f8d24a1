package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"crisis-intervention/backend/internal/models"
	"crisis-intervention/backend/internal/specialist"
	"crisis-intervention/backend/pkg/logger"
)

// SpecialistHandler administers the specialist registry
type SpecialistHandler struct {
	registry specialist.Registry
	log      *logger.Logger
}

// NewSpecialistHandler creates the handler
func NewSpecialistHandler(registry specialist.Registry, log *logger.Logger) *SpecialistHandler {
	return &SpecialistHandler{registry: registry, log: log}
}

// UpsertSpecialistRequest is the body of PUT /specialists/:id. Omitting
// currentChats keeps the load of an existing specialist.
type UpsertSpecialistRequest struct {
	Name               string   `json:"name" binding:"required"`
	Specialities       []string `json:"specialities"`
	Languages          []string `json:"languages"`
	IsOnline           bool     `json:"isOnline"`
	CurrentChats       int      `json:"currentChats" binding:"min=0"`
	MaxConcurrentChats int      `json:"maxConcurrentChats" binding:"required,min=1"`
	ResponseTime       int      `json:"responseTime" binding:"min=0"`
}

// SetOnlineRequest is the body of PATCH /specialists/:id/online
type SetOnlineRequest struct {
	IsOnline *bool `json:"isOnline" binding:"required"`
}

// Upsert registers or updates a specialist
func (h *SpecialistHandler) Upsert(c *gin.Context) {
	var req UpsertSpecialistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, invalidRequest(err))
		return
	}

	id := c.Param("id")
	_, err := h.registry.Get(c.Request.Context(), id)
	created := errors.Is(err, specialist.ErrNotFound)

	s, err := h.registry.Upsert(c.Request.Context(), models.Specialist{
		ID:                 id,
		Name:               req.Name,
		Specialities:       req.Specialities,
		Languages:          req.Languages,
		IsOnline:           req.IsOnline,
		CurrentChats:       req.CurrentChats,
		MaxConcurrentChats: req.MaxConcurrentChats,
		ResponseTime:       req.ResponseTime,
	})
	if err != nil {
		fail(c, err)
		return
	}

	h.log.Info("Specialist registered", "specialist_id", s.ID, "created", created)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, s)
}

// List returns every specialist, or only free ones with ?available=true
func (h *SpecialistHandler) List(c *gin.Context) {
	list := h.registry.List
	if c.Query("available") == "true" {
		list = h.registry.ListAvailable
	}
	specialists, err := list(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"specialists": specialists, "count": len(specialists)})
}

// Get returns one specialist
func (h *SpecialistHandler) Get(c *gin.Context) {
	s, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// SetOnline toggles the presence of a specialist
func (h *SpecialistHandler) SetOnline(c *gin.Context) {
	var req SetOnlineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, invalidRequest(err))
		return
	}
	s, err := h.registry.SetOnline(c.Request.Context(), c.Param("id"), *req.IsOnline)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// RegisterRoutes mounts the specialist routes on rg
func (h *SpecialistHandler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/specialists")
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Upsert)
	g.PATCH("/:id/online", h.SetOnline)
}
