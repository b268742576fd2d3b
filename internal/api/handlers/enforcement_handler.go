package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/netgate/internal/api/middleware"
	"github.com/Wikid82/netgate/internal/enforcement"
	"github.com/Wikid82/netgate/internal/models"
	"github.com/Wikid82/netgate/internal/util"
)

// EnforcementManager is the part of enforcement.Manager the API drives.
type EnforcementManager interface {
	EnforcementStatus
	Apply(ctx context.Context, workload string) (models.EnforcementSession, error)
	Teardown(ctx context.Context, workload string) error
}

type EnforcementHandler struct {
	manager EnforcementManager
}

func NewEnforcementHandler(manager EnforcementManager) *EnforcementHandler {
	return &EnforcementHandler{manager: manager}
}

func (h *EnforcementHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/enforcement", h.Status)
	r.POST("/enforcement/sessions", h.Apply)
	r.DELETE("/enforcement/sessions/:workload", h.Teardown)
}

func (h *EnforcementHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Status())
}

type applyRequest struct {
	Workload string `json:"workload" binding:"required"`
}

func (h *EnforcementHandler) Apply(c *gin.Context) {
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}
	session, err := h.manager.Apply(c.Request.Context(), req.Workload)
	if err != nil {
		respondError(c, "apply_enforcement", err)
		return
	}
	middleware.GetRequestLogger(c).WithField("workload", util.SanitizeForLog(req.Workload)).Info("enforcement session applied")
	c.JSON(http.StatusCreated, session)
}

func (h *EnforcementHandler) Teardown(c *gin.Context) {
	workload := c.Param("workload")
	if err := h.manager.Teardown(c.Request.Context(), workload); err != nil {
		respondError(c, "teardown_enforcement", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workload": workload, "status": models.SessionClosed})
}

var _ EnforcementManager = (*enforcement.Manager)(nil)
