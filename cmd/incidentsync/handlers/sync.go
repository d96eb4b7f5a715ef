package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/incidentsync/internal/errors"
	"github.com/kimhsiao/incidentsync/internal/models"
	"github.com/kimhsiao/incidentsync/internal/server"
)

// HandleSync handles POST /v1/sync.
func HandleSync(svc *server.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.SyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperrors.Wrap(apperrors.ErrValidation, "malformed JSON body", err))
			return
		}

		resp, err := svc.Apply(c.Request.Context(), &req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// ListEvents handles GET /v1/events?after=<cursor>.
func ListEvents(svc *server.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var after *string
		if v, ok := c.GetQuery("after"); ok {
			after = &v
		}

		list, err := svc.EventsAfter(c.Request.Context(), after)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}
