package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/netgate/internal/cerberus"
	"github.com/Wikid82/netgate/internal/models"
)

// DecisionHeader carries the action string on forward-auth responses.
const DecisionHeader = "X-Netgate-Decision"

// Evaluator decides on one outbound request.
type Evaluator interface {
	Evaluate(ctx context.Context, req cerberus.Request) models.Decision
}

// HookHandler is what the proxy engine calls for every outbound request.
// The request context is passed through, so a proxy that gives up on a held
// request releases its pending entry.
type HookHandler struct {
	evaluator Evaluator
}

func NewHookHandler(evaluator Evaluator) *HookHandler {
	return &HookHandler{evaluator: evaluator}
}

func (h *HookHandler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/hook/evaluate", h.Evaluate)
	r.GET("/hook/verify", h.Verify)
}

type evaluateResponse struct {
	Action     models.Action         `json:"action"`
	Allowed    bool                  `json:"allowed"`
	Source     models.DecisionSource `json:"source"`
	Reason     string                `json:"reason,omitempty"`
	RuleTarget string                `json:"rule_target,omitempty"`
	ID         string                `json:"id"`
}

// Evaluate takes {method, scheme, host, path} and returns the verdict. A
// malformed request still gets a verdict (deny), never an error status.
func (h *HookHandler) Evaluate(c *gin.Context) {
	var req cerberus.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}
	d := h.evaluator.Evaluate(c.Request.Context(), req)
	c.JSON(http.StatusOK, evaluateResponse{
		Action:     d.Action,
		Allowed:    d.Allowed(),
		Source:     d.Source,
		Reason:     d.Reason,
		RuleTarget: d.RuleTarget,
		ID:         d.RecordID,
	})
}

// Verify answers forward-auth subrequests (Caddy forward_auth, Traefik
// ForwardAuth) from the X-Forwarded-* headers: 200 lets the request through,
// 403 blocks it.
func (h *HookHandler) Verify(c *gin.Context) {
	req := cerberus.Request{
		Method: c.GetHeader("X-Forwarded-Method"),
		Scheme: c.GetHeader("X-Forwarded-Proto"),
		Host:   c.GetHeader("X-Forwarded-Host"),
		Path:   c.GetHeader("X-Forwarded-Uri"),
	}
	d := h.evaluator.Evaluate(c.Request.Context(), req)
	c.Header(DecisionHeader, d.Action.String())
	if d.Allowed() {
		c.Status(http.StatusOK)
		return
	}
	c.String(http.StatusForbidden, "blocked by netgate: "+d.Action.String())
}
