package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/netgate/internal/api/middleware"
	"github.com/Wikid82/netgate/internal/cerberus"
	"github.com/Wikid82/netgate/internal/models"
	"github.com/Wikid82/netgate/internal/services"
	"github.com/Wikid82/netgate/internal/util"
)

type PendingHandler struct {
	pending *services.PendingService
	cerb    *cerberus.Cerberus
}

func NewPendingHandler(pending *services.PendingService, cerb *cerberus.Cerberus) *PendingHandler {
	return &PendingHandler{pending: pending, cerb: cerb}
}

func (h *PendingHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pending", h.List)
	r.POST("/pending/:id/resolve", h.Resolve)
	r.POST("/approve", h.Approve)
}

func (h *PendingHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.pending.List())
}

type resolveRequest struct {
	Action string `json:"action" binding:"required"`
}

// Resolve answers one pending request.
func (h *PendingHandler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}
	action, err := models.ParseAction(req.Action)
	if err != nil {
		respondError(c, "resolve_pending", err)
		return
	}
	d, err := h.cerb.Resolve(c.Param("id"), action)
	if err != nil {
		respondError(c, "resolve_pending", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type approveRequest struct {
	Host   string `json:"host"`
	URL    string `json:"url"`
	Action string `json:"action" binding:"required"`
}

// Approve decides by host or URL instead of by pending id. Persistent
// actions also store a rule, so requests that have not arrived yet are
// covered too.
func (h *PendingHandler) Approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}
	if req.Host == "" && req.URL == "" {
		writeError(c, http.StatusBadRequest, CodeInvalidInput, "host or url is required")
		return
	}
	action, err := models.ParseAction(req.Action)
	if err != nil {
		respondError(c, "approve", err)
		return
	}
	n, err := h.cerb.ResolveTarget(req.Host, req.URL, action)
	if err != nil {
		respondError(c, "approve", err)
		return
	}
	middleware.GetRequestLogger(c).WithFields(logrus.Fields{
		"host":     util.SanitizeForLog(req.Host),
		"url":      util.SanitizeForLog(req.URL),
		"action":   action.String(),
		"resolved": n,
	}).Info("approval applied")
	c.JSON(http.StatusOK, gin.H{"action": action, "resolved": n})
}
