package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthChecker is a dependency the health endpoint verifies. *sql.DB
// satisfies it directly; other clients wrap their ping method.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Server struct {
	Engine *gin.Engine
	Addr   string

	checks map[string]HealthChecker
}

func New(addr string, mode string) *Server {
	if mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	s := &Server{
		Engine: r,
		Addr:   addr,
		checks: make(map[string]HealthChecker),
	}

	r.GET("/health", s.healthHandler)

	return s
}

// AddHealthCheck registers a named dependency for the health endpoint.
func (s *Server) AddHealthCheck(name string, check HealthChecker) {
	s.checks[name] = check
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{"status": "healthy"}
	healthy := true
	for name, check := range s.checks {
		if err := check.PingContext(ctx); err != nil {
			slog.Error("Health check failed", "dependency", name, "error", err)
			status[name] = "unreachable"
			healthy = false
			continue
		}
		status[name] = "connected"
	}

	if !healthy {
		status["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Engine,
	}

	slog.Info("Starting HTTP Server...", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("Stopping HTTP Server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP Server forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
