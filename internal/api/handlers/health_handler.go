package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/netgate/internal/enforcement"
	"github.com/Wikid82/netgate/internal/services"
	"github.com/Wikid82/netgate/internal/version"
)

// EnforcementStatus reports whether the packet-filter bridge is active.
type EnforcementStatus interface {
	Status() enforcement.Status
}

type HealthHandler struct {
	rules       *services.RuleService
	pending     *services.PendingService
	enforcement EnforcementStatus
}

func NewHealthHandler(rules *services.RuleService, pending *services.PendingService, enf EnforcementStatus) *HealthHandler {
	return &HealthHandler{rules: rules, pending: pending, enforcement: enf}
}

// Health responds with service metadata and counts for uptime checks.
func (h *HealthHandler) Health(c *gin.Context) {
	mode := enforcement.ModeAdvisory
	if h.enforcement != nil {
		mode = h.enforcement.Status().Mode
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"service":     version.Name,
		"version":     version.Version,
		"git_commit":  version.GitCommit,
		"build_time":  version.BuildTime,
		"rules":       h.rules.Count(),
		"pending":     h.pending.Len(),
		"enforcement": mode,
	})
}
