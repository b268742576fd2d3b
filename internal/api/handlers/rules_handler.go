package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/Wikid82/netgate/internal/api/middleware"
	"github.com/Wikid82/netgate/internal/models"
	"github.com/Wikid82/netgate/internal/services"
	"github.com/Wikid82/netgate/internal/util"
)

// maxImportBytes bounds the size of an imported rule snapshot.
const maxImportBytes = 8 << 20

type RulesHandler struct {
	rules *services.RuleService
}

func NewRulesHandler(rules *services.RuleService) *RulesHandler {
	return &RulesHandler{rules: rules}
}

func (h *RulesHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/rules", h.List)
	r.POST("/rules", h.Upsert)
	r.DELETE("/rules", h.Remove)
	r.DELETE("/rules/*target", h.Remove)
	r.POST("/rules/clear", h.Clear)
	r.GET("/rules/export", h.Export)
	r.POST("/rules/import", h.Import)
}

func (h *RulesHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.rules.List())
}

type upsertRuleRequest struct {
	Target string `json:"target" binding:"required"`
	Action string `json:"action" binding:"required"`
}

// Upsert stores a rule. Besides the six canonical actions the bare
// "allow"/"deny" forms are accepted, scoped by the target's shape.
func (h *RulesHandler) Upsert(c *gin.Context) {
	var req upsertRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}
	target, err := models.NormalizeTarget(req.Target)
	if err != nil {
		respondError(c, "upsert_rule", err)
		return
	}
	action, err := models.ParseRuleAction(target, req.Action)
	if err != nil {
		respondError(c, "upsert_rule", err)
		return
	}
	rule, err := h.rules.Upsert(target, action)
	if err != nil {
		respondError(c, "upsert_rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// Remove deletes one rule named by ?target= or by the trailing path.
func (h *RulesHandler) Remove(c *gin.Context) {
	target := c.Query("target")
	if target == "" {
		target = strings.TrimPrefix(c.Param("target"), "/")
	}
	if target == "" {
		writeError(c, http.StatusBadRequest, CodeInvalidInput, "target is required")
		return
	}
	if err := h.rules.Remove(target); err != nil {
		respondError(c, "remove_rule", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": target})
}

func (h *RulesHandler) Clear(c *gin.Context) {
	n, err := h.rules.Clear()
	if err != nil {
		respondError(c, "clear_rules", err)
		return
	}
	middleware.GetRequestLogger(c).WithField("count", n).Info("rules cleared")
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// Export returns the rule snapshot as JSON, or YAML with ?format=yaml.
func (h *RulesHandler) Export(c *gin.Context) {
	snap := h.rules.Export()
	switch strings.ToLower(c.DefaultQuery("format", "json")) {
	case "json":
		c.Header("Content-Disposition", "attachment; filename=netgate-rules.json")
		c.JSON(http.StatusOK, snap)
	case "yaml", "yml":
		out, err := yaml.Marshal(snap)
		if err != nil {
			respondError(c, "export_rules", err)
			return
		}
		c.Header("Content-Disposition", "attachment; filename=netgate-rules.yaml")
		c.Data(http.StatusOK, "application/yaml", out)
	default:
		writeError(c, http.StatusBadRequest, CodeInvalidInput, "format must be json or yaml")
	}
}

// Import merges a snapshot into the rule set. The body is JSON in either the
// rule file format or the bare {target: action} form, or YAML when the
// content type says so.
func (h *RulesHandler) Import(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxImportBytes))
	if err != nil {
		writeError(c, http.StatusBadRequest, CodeInvalidInput, "could not read body: "+err.Error())
		return
	}

	var snap models.RuleSnapshot
	if strings.Contains(c.ContentType(), "yaml") {
		if err := yaml.Unmarshal(body, &snap); err != nil {
			writeError(c, http.StatusBadRequest, CodeInvalidInput, "invalid yaml: "+err.Error())
			return
		}
	} else if snap, err = services.ParseSnapshot(body); err != nil {
		respondError(c, "import_rules", err)
		return
	}

	n, err := h.rules.Import(snap)
	if err != nil {
		respondError(c, "import_rules", err)
		return
	}
	middleware.GetRequestLogger(c).WithField("count", n).WithField("client", util.SanitizeForLog(c.ClientIP())).Info("rules imported")
	c.JSON(http.StatusOK, gin.H{"imported": n})
}
