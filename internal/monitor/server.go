package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the agent can still accept work; a non-nil
// error (typically wrapping sandbox.ErrDaemonUnavailable) degrades
// /healthz to 503 so an external load balancer stops routing here.
type HealthFunc func(ctx context.Context) error

// PoolStatusFunc returns a JSON-serializable snapshot of pool and
// dispatcher occupancy for the /debug/pools route.
type PoolStatusFunc func() any

// StartAdminServer runs the agent's ambient HTTP surface: Prometheus
// scrape, liveness probe, and a read-only debug snapshot. It blocks
// until ctx is cancelled, then drains with a bounded shutdown timeout.
func StartAdminServer(ctx context.Context, addr string, logger *slog.Logger, health HealthFunc, poolStatus PoolStatusFunc) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/healthz", func(c *gin.Context) {
		if err := health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/pools", func(c *gin.Context) {
		c.JSON(http.StatusOK, poolStatus())
	})

	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down admin server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown error", "error", err)
		}
	}()

	logger.Info("starting admin server", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
