package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/netgate/internal/services"
)

const maxQueryLimit = 1000

type StatsHandler struct {
	ledger *services.LedgerService
}

func NewStatsHandler(ledger *services.LedgerService) *StatsHandler {
	return &StatsHandler{ledger: ledger}
}

func (h *StatsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stats", h.Stats)
	r.GET("/requests", h.Requests)
}

// Stats returns totals and the busiest domains (?top=, default 10).
func (h *StatsHandler) Stats(c *gin.Context) {
	top, ok := intQuery(c, "top", 0, 1, maxQueryLimit)
	if !ok {
		return
	}
	stats, err := h.ledger.Stats(c.Request.Context(), top)
	if err != nil {
		respondError(c, "stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Requests returns recent records newest first. since is RFC 3339.
func (h *StatsHandler) Requests(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 0, 1, maxQueryLimit)
	if !ok {
		return
	}
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, CodeInvalidInput, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	c.JSON(http.StatusOK, h.ledger.Query(limit, since))
}

// intQuery parses an optional integer query parameter. On a bad value it
// writes the error response and returns false.
func intQuery(c *gin.Context, name string, def, min, max int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		writeError(c, http.StatusBadRequest, CodeInvalidInput, name+" must be an integer between "+strconv.Itoa(min)+" and "+strconv.Itoa(max))
		return 0, false
	}
	return n, true
}
