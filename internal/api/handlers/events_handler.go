package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/netgate/internal/models"
	"github.com/Wikid82/netgate/internal/services"
	"github.com/Wikid82/netgate/internal/version"
)

const (
	// EventHello opens every stream with the counts a client needs to decide
	// whether to reload its lists.
	EventHello = "hello"
	// EventDropped tells a client it fell behind and was disconnected.
	EventDropped = "dropped"

	defaultCoalesceInterval = time.Second
	keepAliveInterval       = 15 * time.Second
)

type EventsHandler struct {
	notifier *services.NotificationService
	auth     *services.AuthService
	rules    *services.RuleService
	pending  *services.PendingService

	// Coalesce is how long request_received events are batched for.
	Coalesce time.Duration
}

func NewEventsHandler(notifier *services.NotificationService, auth *services.AuthService, rules *services.RuleService, pending *services.PendingService) *EventsHandler {
	return &EventsHandler{
		notifier: notifier,
		auth:     auth,
		rules:    rules,
		pending:  pending,
		Coalesce: defaultCoalesceInterval,
	}
}

// Ticket issues a short-lived token an EventSource client passes as
// ?ticket= since it cannot send an Authorization header.
func (h *EventsHandler) Ticket(c *gin.Context) {
	ticket, expiresAt, err := h.auth.IssueTicket(c.ClientIP())
	if err != nil {
		respondError(c, "issue_ticket", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": ticket, "expires_at": expiresAt.UTC()})
}

// Stream relays notifications as server-sent events until the client goes
// away or falls too far behind.
func (h *EventsHandler) Stream(c *gin.Context) {
	sub := h.notifier.Subscribe()
	defer h.notifier.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(EventHello, gin.H{
		"version": version.Version,
		"pending": h.pending.Len(),
		"rules":   h.rules.Count(),
	})
	c.Writer.Flush()

	interval := h.Coalesce
	if interval <= 0 {
		interval = defaultCoalesceInterval
	}
	coalesce := time.NewTicker(interval)
	defer coalesce.Stop()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	var received []models.PendingEntry
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				c.SSEvent(EventDropped, gin.H{"reason": "client fell behind; reload pending and rules"})
				c.Writer.Flush()
				return
			}
			if ev.Kind == services.EventRequestReceived {
				if entry, ok := ev.Data.(models.PendingEntry); ok {
					received = append(received, entry)
				}
				continue
			}
			c.SSEvent(ev.Kind, ev.Data)
			c.Writer.Flush()
		case <-coalesce.C:
			if len(received) == 0 {
				continue
			}
			c.SSEvent(services.EventRequestReceived, received)
			c.Writer.Flush()
			received = nil
		case <-keepAlive.C:
			if _, err := c.Writer.WriteString(": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
