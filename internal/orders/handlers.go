package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cropstack/settlement/internal/audit"
	"github.com/cropstack/settlement/internal/inventory"
	"github.com/cropstack/settlement/internal/pagination"
	"github.com/cropstack/settlement/internal/validation"
)

// Handler provides HTTP endpoints for orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.PlaceOrder)
	r.GET("/orders", h.ListOrders)

	byID := r.Group("/orders/:id", validation.IDParamMiddleware("id", "ord_"))
	byID.GET("", h.GetOrder)
	byID.POST("/approve", h.Approve)
	byID.POST("/reject", h.Reject)
	byID.POST("/cancel", h.Cancel)
	byID.POST("/pay", h.Pay)
	byID.POST("/complete", h.Complete)
}

// PlaceOrder handles POST /v1/orders
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceRequest
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

	order, err := h.service.Place(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": visibleTo(c, order)})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": visibleTo(c, order)})
}

// ListOrders handles GET /v1/orders?buyer=&seller=&listing=&status=&limit=&cursor=
func (h *Handler) ListOrders(c *gin.Context) {
	f := Filter{
		BuyerID:   c.Query("buyer"),
		SellerID:  c.Query("seller"),
		ListingID: c.Query("listing"),
		Status:    Status(c.Query("status")),
		Limit:     50,
	}
	if f.Status != "" && !f.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "unknown status " + string(f.Status),
		})
		return
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			f.Limit = parsed
			if f.Limit > 200 {
				f.Limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}
	f.Cursor = cursor

	orders, next, err := h.service.ListPage(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	for i, o := range orders {
		orders[i] = visibleTo(c, o)
	}
	resp := gin.H{
		"orders":  orders,
		"count":   len(orders),
		"hasMore": next != "",
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Approve handles POST /v1/orders/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	order, err := h.service.Approve(c.Request.Context(), c.Param("id"))
	h.respond(c, order, err)
}

// Reject handles POST /v1/orders/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req CancelRequest
	if !bindOptional(c, &req) {
		return
	}
	order, err := h.service.Reject(c.Request.Context(), c.Param("id"), req)
	h.respond(c, order, err)
}

// Cancel handles POST /v1/orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if !bindOptional(c, &req) {
		return
	}
	order, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req)
	h.respond(c, order, err)
}

// Pay handles POST /v1/orders/:id/pay
func (h *Handler) Pay(c *gin.Context) {
	order, err := h.service.Pay(c.Request.Context(), c.Param("id"))
	h.respond(c, order, err)
}

// Complete handles POST /v1/orders/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	var req CompleteRequest
	if !bindOptional(c, &req) {
		return
	}
	order, err := h.service.Complete(c.Request.Context(), c.Param("id"), req)
	h.respond(c, order, err)
}

func (h *Handler) respond(c *gin.Context, order *Order, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": visibleTo(c, order)})
}

// visibleTo hides the pickup code from everyone but the order's buyer and
// the system. The seller checks the code at pickup, so it must not be able
// to read it.
func visibleTo(c *gin.Context, o *Order) *Order {
	a := audit.ActorFrom(c.Request.Context())
	if a.Role == audit.RoleSystem || (a.Role == audit.RoleBuyer && a.ID == o.BuyerID) {
		return o
	}
	cp := *o
	cp.PickupCode = ""
	return &cp
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, req interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return false
	}
	return true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, inventory.ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
	case errors.Is(err, inventory.ErrInsufficientStock):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_stock",
			"message": "Not enough units available; re-check the listing",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, inventory.ErrListingUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrPickupCodeMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "pickup_code_mismatch", "message": err.Error()})
	case errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrSelfPurchase):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
