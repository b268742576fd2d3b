package handlers

import (
	"errors"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/netgate/internal/api/middleware"
	"github.com/Wikid82/netgate/internal/enforcement"
	"github.com/Wikid82/netgate/internal/services"
)

// Error codes returned in the "code" field of error bodies.
const (
	CodeNotFound     = "not_found"
	CodeInvalidInput = "invalid_input"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

func writeError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"error": msg, "code": code})
}

// respondError maps service errors to HTTP responses. Anything unrecognized
// is logged and reported as a generic internal error.
func respondError(c *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidTarget),
		errors.Is(err, services.ErrInvalidAction),
		errors.Is(err, services.ErrInvalidBackupName),
		errors.Is(err, services.ErrCorruptRules),
		errors.Is(err, enforcement.ErrInvalidWorkload):
		writeError(c, http.StatusBadRequest, CodeInvalidInput, err.Error())
	case errors.Is(err, services.ErrRuleNotFound),
		errors.Is(err, services.ErrPendingNotFound),
		errors.Is(err, os.ErrNotExist):
		writeError(c, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, enforcement.ErrEnforcementUnavailable):
		writeError(c, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	default:
		middleware.GetRequestLogger(c).WithField("action", action).WithError(err).Error("request failed")
		writeError(c, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
