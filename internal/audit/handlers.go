package audit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the audit trail over HTTP.
type Handler struct {
	log Log
}

// NewHandler creates a new audit handler.
func NewHandler(log Log) *Handler {
	return &Handler{log: log}
}

// RegisterRoutes sets up audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit/:entityType/:entityId", h.GetTrail)
}

// GetTrail handles GET /v1/audit/:entityType/:entityId
func (h *Handler) GetTrail(c *gin.Context) {
	entityType := c.Param("entityType")
	switch entityType {
	case EntityOrder, EntityListing, EntityEscrow, EntityPledge:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unknown entity type",
		})
		return
	}

	entries, err := h.log.ForEntity(c.Request.Context(), entityType, c.Param("entityId"), 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}
