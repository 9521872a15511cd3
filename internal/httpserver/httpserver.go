// Package httpserver holds the gin scaffolding shared by all four cmd/*
// services: health/metrics/docs endpoints, request-duration instrumentation,
// and the owner-token admin middleware. Each service mounts its own routes
// on top of the engine this package builds.
package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/metrics"
)

// OwnerAuth enforces spec.md §6's "Admin endpoints require header
// x-owner-key == OWNER_TOKEN". An empty ownerToken is a misconfiguration:
// every admin route is rejected rather than silently opened, the inverse of
// the teacher's dev-mode bypass since these endpoints can enable live
// execution or clear the kill switch.
func OwnerAuth(ownerToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ownerToken == "" {
			RespondError(c, http.StatusForbidden, errors.New("OWNER_TOKEN not configured"))
			c.Abort()
			return
		}
		key := c.GetHeader("x-owner-key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(ownerToken)) != 1 {
			RespondError(c, http.StatusForbidden, errors.New("invalid x-owner-key"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// NewEngine builds a gin.Engine carrying the ambient endpoints every service
// exposes per spec.md §6: /healthz, /metrics, /docs. service is attached to
// the HTTP request-duration metric so cross-service dashboards can split by
// it. openapiDoc is served verbatim at /docs — each cmd/* embeds its own.
func NewEngine(service string, openapiDoc []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestDuration(service))

	r.GET("/healthz", handleHealthz(service))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	r.GET("/docs", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", openapiDoc)
	})

	return r
}

func requestDuration(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequestDuration.WithLabelValues(service, route, http.StatusText(status)).
			Observe(time.Since(start).Seconds())
	}
}

func handleHealthz(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": service})
	}
}

// RespondError writes the {error: string} envelope spec.md §6 mandates for
// every non-2xx admin/dashboard response.
func RespondError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

// Serve runs engine on addr and blocks until ctx is cancelled, then drains
// in-flight requests for up to 10s before returning.
func Serve(ctx context.Context, service, addr string, engine *gin.Engine) error {
	srv := &http.Server{Addr: addr, Handler: engine}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("%s: listening on %s", service, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Infof("%s: shutting down", service)
		return srv.Shutdown(shutdownCtx)
	}
}
