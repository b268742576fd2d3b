package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Wikid82/netgate/internal/api/handlers"
	"github.com/Wikid82/netgate/internal/api/middleware"
	"github.com/Wikid82/netgate/internal/cerberus"
	"github.com/Wikid82/netgate/internal/services"
)

// Deps is everything the control API serves. Backups and Gatherer may be
// nil; without a gatherer /metrics serves the default registry.
type Deps struct {
	Rules       *services.RuleService
	Pending     *services.PendingService
	Ledger      *services.LedgerService
	Notifier    *services.NotificationService
	Auth        *services.AuthService
	Backups     *services.BackupService
	Cerberus    *cerberus.Cerberus
	Enforcement handlers.EnforcementManager
	Gatherer    prometheus.Gatherer
}

// Register wires up the control API under /api/v1 and /metrics.
func Register(router *gin.Engine, d Deps) {
	authMiddleware := middleware.AuthMiddleware(d.Auth)

	healthHandler := handlers.NewHealthHandler(d.Rules, d.Pending, d.Enforcement)
	router.GET("/api/v1/health", healthHandler.Health)

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", authMiddleware, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")

	eventsHandler := handlers.NewEventsHandler(d.Notifier, d.Auth, d.Rules, d.Pending)
	api.GET("/events", middleware.StreamAuth(d.Auth), eventsHandler.Stream)

	protected := api.Group("")
	protected.Use(authMiddleware)
	protected.POST("/events/ticket", eventsHandler.Ticket)

	handlers.NewRulesHandler(d.Rules).RegisterRoutes(protected)
	handlers.NewPendingHandler(d.Pending, d.Cerberus).RegisterRoutes(protected)
	handlers.NewStatsHandler(d.Ledger).RegisterRoutes(protected)
	handlers.NewEnforcementHandler(d.Enforcement).RegisterRoutes(protected)
	if d.Backups != nil {
		handlers.NewBackupHandler(d.Backups).RegisterRoutes(protected)
	}
}

// RegisterHook wires the proxy-facing endpoints. They live on their own
// listener and carry no API token.
func RegisterHook(router *gin.Engine, evaluator handlers.Evaluator) {
	handlers.NewHookHandler(evaluator).RegisterRoutes(router)
}
