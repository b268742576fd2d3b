package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/netgate/internal/services"
)

const TicketQueryParam = "ticket"

// AuthMiddleware requires "Authorization: Bearer <token>" when the API token
// is configured. A nil or disabled service lets every request through.
func AuthMiddleware(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authService == nil || !authService.Enabled() {
			c.Next()
			return
		}
		token, ok := bearerToken(c)
		if !ok {
			unauthorized(c, "Authorization header required")
			return
		}
		if err := authService.VerifyToken(token); err != nil {
			unauthorized(c, "invalid token")
			return
		}
		c.Next()
	}
}

// StreamAuth accepts either the bearer token or a ticket from
// POST /events/ticket in the query string, for EventSource clients that
// cannot set headers.
func StreamAuth(authService *services.AuthService) gin.HandlerFunc {
	bearer := AuthMiddleware(authService)
	return func(c *gin.Context) {
		if authService == nil || !authService.Enabled() {
			c.Next()
			return
		}
		ticket := c.Query(TicketQueryParam)
		if ticket == "" {
			bearer(c)
			return
		}
		if err := authService.ValidateTicket(ticket); err != nil {
			GetRequestLogger(c).WithError(err).Debug("rejected event stream ticket")
			unauthorized(c, "invalid or expired ticket")
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="netgate"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "code": "unauthorized"})
}
