package inventory

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cropstack/settlement/internal/validation"
)

// Handler provides HTTP endpoints for listings.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new inventory handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
	r.GET("/listings", h.ListListings)

	byID := r.Group("/listings/:id", validation.IDParamMiddleware("id", "lst_"))
	byID.GET("", h.GetListing)
	byID.POST("/restock", h.Restock)
	byID.POST("/activate", h.Activate)
	byID.POST("/deactivate", h.Deactivate)
}

// RestockRequest is the body of POST /v1/listings/:id/restock.
type RestockRequest struct {
	Quantity int64 `json:"quantity" validate:"gt=0"`
}

// CreateListing handles POST /v1/listings
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateRequest
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

	listing, err := h.ledger.CreateListing(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"listing": listing})
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	listing, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// ListListings handles GET /v1/listings?seller=&category=&available=true
func (h *Handler) ListListings(c *gin.Context) {
	f := Filter{
		SellerID:     c.Query("seller"),
		Category:     c.Query("category"),
		SellableOnly: c.Query("available") == "true",
		Limit:        50,
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			f.Limit = parsed
			if f.Limit > 200 {
				f.Limit = 200
			}
		}
	}

	listings, err := h.ledger.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"listings": listings,
		"count":    len(listings),
	})
}

// Restock handles POST /v1/listings/:id/restock
func (h *Handler) Restock(c *gin.Context) {
	var req RestockRequest
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

	listing, err := h.ledger.Restock(c.Request.Context(), c.Param("id"), req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// Activate handles POST /v1/listings/:id/activate
func (h *Handler) Activate(c *gin.Context) {
	h.setActive(c, true)
}

// Deactivate handles POST /v1/listings/:id/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	h.setActive(c, false)
}

func (h *Handler) setActive(c *gin.Context, active bool) {
	listing, err := h.ledger.SetActive(c.Request.Context(), c.Param("id"), active)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
	case errors.Is(err, ErrInsufficientStock):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_stock", "message": err.Error()})
	case errors.Is(err, ErrListingUnavailable), errors.Is(err, ErrAlreadyCollateral), errors.Is(err, ErrNotCollateral):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidPrice):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
