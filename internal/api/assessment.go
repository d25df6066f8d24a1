package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crisis-intervention/backend/internal/risk"
	"crisis-intervention/backend/pkg/logger"
)

// AssessmentHandler serves the risk questionnaire and scores answers
type AssessmentHandler struct {
	engine *risk.Engine
	log    *logger.Logger
}

// NewAssessmentHandler creates the handler
func NewAssessmentHandler(engine *risk.Engine, log *logger.Logger) *AssessmentHandler {
	return &AssessmentHandler{engine: engine, log: log}
}

// AssessmentRequest is the body of POST /assessment
type AssessmentRequest struct {
	Responses []risk.QuestionResponse `json:"responses" binding:"required"`
}

// Questions returns the questionnaire
func (h *AssessmentHandler) Questions(c *gin.Context) {
	questions := h.engine.Questions()
	c.JSON(http.StatusOK, gin.H{
		"questions":  questions,
		"categories": risk.Categories,
		"count":      len(questions),
	})
}

// Assess scores a full or partial response set. Partial sets are scored and
// the unanswered required questions are listed in missingRequired.
func (h *AssessmentHandler) Assess(c *gin.Context) {
	var req AssessmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, invalidRequest(err))
		return
	}

	assessment := h.engine.ScoreAndRecommend(req.Responses)
	if assessment.EmergencyTriggered {
		h.log.Warn("Assessment triggered emergency guidance",
			"level", string(assessment.Score.Level),
			"percentage", assessment.Score.Percentage,
		)
	}
	c.JSON(http.StatusOK, assessment)
}

// RegisterRoutes mounts the assessment routes on rg
func (h *AssessmentHandler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/assessment")
	g.GET("/questions", h.Questions)
	g.POST("", h.Assess)
}
