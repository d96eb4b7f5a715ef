package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/incidentsync/internal/models"
	"github.com/kimhsiao/incidentsync/internal/server"
)

// ListIncidents handles GET /v1/incidents.
func ListIncidents(svc *server.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		incidents, err := svc.ListIncidents(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		if incidents == nil {
			incidents = []models.Incident{}
		}
		c.JSON(http.StatusOK, models.IncidentList{Incidents: incidents})
	}
}

// GetIncident handles GET /v1/incidents/:id.
func GetIncident(svc *server.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		inc, err := svc.GetIncident(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"incident": inc})
	}
}

// PatchIncident handles PATCH /v1/incidents/:id, a direct edit outside the
// operation log.
func PatchIncident(svc *server.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch models.IncidentPatch
		if !bindJSON(c, &patch) {
			return
		}

		inc, err := svc.PatchIncident(c.Request.Context(), c.Param("id"), patch)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"incident": inc})
	}
}

// LinkDuplicate handles POST /v1/incidents/:id/duplicate.
func LinkDuplicate(svc *server.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.DuplicateRequest
		if !bindJSON(c, &req) {
			return
		}

		if err := svc.LinkDuplicate(c.Request.Context(), c.Param("id"), req); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// ListDuplicates handles GET /v1/incidents/:id/duplicates.
func ListDuplicates(svc *server.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		links, err := svc.DuplicateLinks(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if links == nil {
			links = []models.DuplicateLink{}
		}
		c.JSON(http.StatusOK, gin.H{"duplicates": links})
	}
}
