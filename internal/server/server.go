package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/netgate/internal/api/middleware"
	"github.com/Wikid82/netgate/internal/config"
	"github.com/Wikid82/netgate/internal/logger"
)

// shutdownTimeout bounds how long in-flight requests get once ctx ends. Held
// hook requests are released before this by Cerberus.Shutdown.
const shutdownTimeout = 5 * time.Second

// NewEngine returns a gin engine with the shared middleware chain.
func NewEngine(cfg config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "development" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Recovery(cfg.Debug),
		middleware.RequestLogger(),
		middleware.SecurityHeaders(middleware.SecurityHeadersConfig{IsDevelopment: cfg.Environment == "development"}),
	)
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found", "code": "not_found"})
	})
	return router
}

// Server wraps one listener and the engine it serves.
type Server struct {
	Engine *gin.Engine
	Name   string
	addr   string
}

// New binds engine to addr. Name tags log lines.
func New(name string, engine *gin.Engine, addr string) *Server {
	return &Server{Engine: engine, Name: name, addr: addr}
}

// Addr returns ":port" for a bare port and addr unchanged otherwise.
func Addr(port string) string {
	if _, _, err := net.SplitHostPort(port); err == nil {
		return port
	}
	return ":" + port
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Log().WithField("server", s.Name).WithField("addr", ln.Addr().String()).Info("listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			// Event streams never finish on their own.
			_ = srv.Close()
			if !errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("graceful shutdown: %w", err)
			}
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
