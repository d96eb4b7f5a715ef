// Package handlers provides the HTTP API of the sync server.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/kimhsiao/incidentsync/internal/errors"
	"github.com/kimhsiao/incidentsync/internal/logging"
	"github.com/kimhsiao/incidentsync/internal/models"
	"github.com/kimhsiao/incidentsync/internal/server"
)

// Deps are the collaborators the routes are wired to.
type Deps struct {
	Service  *server.Service
	Realtime http.Handler        // WebSocket endpoint; nil disables /v1/ws
	Gatherer prometheus.Gatherer // nil disables /metrics
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())
	SetupRoutes(router, deps)
	return router
}

// SetupRoutes registers the API on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", HealthCheck(deps.Service))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/sync", HandleSync(deps.Service))
		v1.GET("/events", ListEvents(deps.Service))

		incidents := v1.Group("/incidents")
		{
			incidents.GET("", ListIncidents(deps.Service))
			incidents.GET("/:id", GetIncident(deps.Service))
			incidents.PATCH("/:id", PatchIncident(deps.Service))
			incidents.POST("/:id/duplicate", LinkDuplicate(deps.Service))
			incidents.GET("/:id/duplicates", ListDuplicates(deps.Service))
		}

		if deps.Realtime != nil {
			v1.GET("/ws", gin.WrapH(deps.Realtime))
		}
	}
}

// RequestLogger logs one structured line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logging.Warn("request failed", fields)
		case c.FullPath() == "/health" || c.FullPath() == "/metrics":
			logging.Debug("request", fields)
		default:
			logging.Info("request", fields)
		}
	}
}

// HealthCheck handles GET /health.
func HealthCheck(svc *server.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "mode": svc.Mode()})
	}
}

// writeError answers with the uniform error body for err.
func writeError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.HTTPStatus(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("request error", string(code), err, map[string]interface{}{
			"path": c.FullPath(),
		})
		message = "internal server error"
	}
	c.AbortWithStatusJSON(status, models.ErrorBody{
		Error: models.ErrorDetail{Code: string(code), Message: message},
	})
}

// bindJSON decodes the request body into v and runs struct validation.
func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, apperrors.Wrap(apperrors.ErrValidation, "malformed JSON body", err))
		return false
	}
	if err := models.Validate(v); err != nil {
		writeError(c, err)
		return false
	}
	return true
}
