package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cropstack/settlement/internal/audit"
	"github.com/cropstack/settlement/internal/validation"
)

// Handler provides HTTP endpoints for the escrow ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sellers/:id/balance", h.GetBalance)
	r.GET("/sellers/:id/transactions", h.ListSellerTransactions)
	r.GET("/sellers/:id/reconciliation", h.Reconcile)
	r.POST("/sellers/:id/withdrawals", h.Withdraw)
	r.GET("/orders/:id/transactions", validation.IDParamMiddleware("id", "ord_"), h.ListOrderTransactions)
}

// GetBalance handles GET /v1/sellers/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.service.BalanceOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// ListSellerTransactions handles GET /v1/sellers/:id/transactions
func (h *Handler) ListSellerTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txs, err := h.service.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// ListOrderTransactions handles GET /v1/orders/:id/transactions
func (h *Handler) ListOrderTransactions(c *gin.Context) {
	txs, err := h.service.ByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// Withdraw handles POST /v1/sellers/:id/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	sellerID := c.Param("id")

	actor := audit.ActorFrom(c.Request.Context())
	if actor.Role == audit.RoleSeller && actor.ID != sellerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Sellers may only withdraw their own balance",
		})
		return
	}

	w, err := h.service.Withdraw(c.Request.Context(), sellerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

// Reconcile handles GET /v1/sellers/:id/reconciliation
func (h *Handler) Reconcile(c *gin.Context) {
	rec, err := h.service.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": rec})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNothingToWithdraw):
		c.JSON(http.StatusConflict, gin.H{"error": "nothing_to_withdraw", "message": "No available balance to withdraw"})
	case errors.Is(err, ErrDuplicateHold):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
