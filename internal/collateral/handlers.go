package collateral

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cropstack/settlement/internal/idgen"
	"github.com/cropstack/settlement/internal/inventory"
	"github.com/cropstack/settlement/internal/validation"
)

// Handler provides HTTP endpoints for collateral pledges.
type Handler struct {
	service *Service
}

// NewHandler creates a new pledge handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up pledge routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/pledges", h.CreatePledge)
	r.GET("/pledges", h.ListPledges)
	r.GET("/pledges/:id", h.GetPledge)
	r.POST("/pledges/:id/status", h.AdvanceStatus)
}

// CreatePledge handles POST /v1/pledges
func (h *Handler) CreatePledge(c *gin.Context) {
	var req PledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	pledge, err := h.service.Pledge(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pledge": pledge})
}

// GetPledge handles GET /v1/pledges/:id
func (h *Handler) GetPledge(c *gin.Context) {
	id, ok := pledgeID(c)
	if !ok {
		return
	}
	pledge, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pledge": pledge})
}

// ListPledges handles GET /v1/pledges?owner=&listing=&status=
func (h *Handler) ListPledges(c *gin.Context) {
	f := Filter{
		OwnerID:   c.Query("owner"),
		ListingID: c.Query("listing"),
		Status:    Status(c.Query("status")),
		Limit:     50,
	}
	if f.Status != "" && !f.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "unknown status " + string(f.Status)})
		return
	}
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 200 {
		f.Limit = l
	}

	pledges, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pledges": pledges, "count": len(pledges)})
}

// AdvanceStatus handles POST /v1/pledges/:id/status
func (h *Handler) AdvanceStatus(c *gin.Context) {
	id, ok := pledgeID(c)
	if !ok {
		return
	}
	var req AdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	pledge, err := h.service.AdvanceStatus(c.Request.Context(), id, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pledge": pledge})
}

// pledgeID accepts references in any case since people type them by hand.
func pledgeID(c *gin.Context) (string, bool) {
	id := strings.ToUpper(strings.TrimSpace(c.Param("id")))
	if !idgen.IsPledgeCode(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "id must look like " + idgen.PledgePrefix + "XXXX-XXXX",
		})
		return "", false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPledgeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Pledge not found"})
	case errors.Is(err, inventory.ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, inventory.ErrAlreadyCollateral), errors.Is(err, ErrEmptyListing):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, inventory.ErrNotOwner), errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidLoan), errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
