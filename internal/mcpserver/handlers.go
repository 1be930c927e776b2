package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SettlementClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SettlementClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListOrders lists orders.
func (h *Handlers) HandleListOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListOrders(ctx, OrderFilter{
		Status:   req.GetString("status", ""),
		SellerID: req.GetString("seller_id", ""),
		BuyerID:  req.GetString("buyer_id", ""),
		Limit:    req.GetInt("limit", 20),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list orders: %v", err)), nil
	}

	text, err := formatOrderList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse orders: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetOrder shows one order.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	raw, err := h.client.GetOrder(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get order: %v", err)), nil
	}
	return orderResult("Order", raw)
}

// HandleApproveOrder approves a pending order.
func (h *Handlers) HandleApproveOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	raw, err := h.client.ApproveOrder(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Approval failed: %v", err)), nil
	}
	return orderResult("Order approved", raw)
}

// HandleRejectOrder rejects a pending or approved order.
func (h *Handlers) HandleRejectOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	reason := strings.TrimSpace(req.GetString("reason", ""))
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	raw, err := h.client.RejectOrder(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Rejection failed: %v", err)), nil
	}
	return orderResult("Order rejected, stock returned to the listing", raw)
}

// HandleCompleteOrder records pickup of a paid order.
func (h *Handlers) HandleCompleteOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	raw, err := h.client.CompleteOrder(ctx, id, req.GetString("pickup_code", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Completion failed: %v", err)), nil
	}
	return orderResult("Order completed, escrow released to the seller", raw)
}

// HandleSellerBalance shows a seller's escrow balance.
func (h *Handlers) HandleSellerBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sellerID := req.GetString("seller_id", "")
	if sellerID == "" {
		return mcp.NewToolResultError("seller_id is required"), nil
	}
	raw, err := h.client.SellerBalance(ctx, sellerID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReconcileSeller compares aggregate and recomputed balances.
func (h *Handlers) HandleReconcileSeller(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sellerID := req.GetString("seller_id", "")
	if sellerID == "" {
		return mcp.NewToolResultError("seller_id is required"), nil
	}
	raw, err := h.client.ReconcileSeller(ctx, sellerID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}

	text, err := formatReconciliation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reconciliation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListPledges lists collateral pledges.
func (h *Handlers) HandleListPledges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPledges(ctx, req.GetString("status", ""), req.GetString("owner_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list pledges: %v", err)), nil
	}

	text, err := formatPledgeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse pledges: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAdvancePledge moves a pledge to its next status.
func (h *Handlers) HandleAdvancePledge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("pledge_id", "")
	if id == "" {
		return mcp.NewToolResultError("pledge_id is required"), nil
	}
	status := req.GetString("status", "")
	if status == "" {
		return mcp.NewToolResultError("status is required"), nil
	}

	raw, err := h.client.AdvancePledge(ctx, id, status, req.GetString("note", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Pledge update failed: %v", err)), nil
	}

	var resp struct {
		Pledge pledgeView `json:"pledge"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse pledge: %v", err)), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Pledge %s is now %s.\n", resp.Pledge.ID, resp.Pledge.Status)
	writePledge(&sb, resp.Pledge)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleAuditTrail shows the recorded transitions of an entity.
func (h *Handlers) HandleAuditTrail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityType := req.GetString("entity_type", "")
	entityID := req.GetString("entity_id", "")
	if entityType == "" || entityID == "" {
		return mcp.NewToolResultError("entity_type and entity_id are required"), nil
	}
	raw, err := h.client.AuditTrail(ctx, entityType, entityID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load audit trail: %v", err)), nil
	}

	text, err := formatAuditTrail(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit trail: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

type orderView struct {
	ID                   string     `json:"id"`
	BuyerID              string     `json:"buyerId"`
	SellerID             string     `json:"sellerId"`
	ListingID            string     `json:"listingId"`
	ListingName          string     `json:"listingName"`
	Quantity             int64      `json:"quantity"`
	TotalPrice           string     `json:"totalPrice"`
	ReservationFee       string     `json:"reservationFee"`
	Status               string     `json:"status"`
	CancelReason         string     `json:"cancelReason"`
	ReservationExpiresAt *time.Time `json:"reservationExpiresAt"`
}

type pledgeView struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	Listing struct {
		ListingID  string `json:"listingId"`
		Name       string `json:"name"`
		Quantity   int64  `json:"quantity"`
		TotalValue string `json:"totalValue"`
	} `json:"listing"`
	LoanAmount string `json:"loanAmount"`
	LTV        string `json:"ltv"`
	Status     string `json:"status"`
	VerifiedBy string `json:"verifiedBy"`
	Note       string `json:"note"`
}

type balanceView struct {
	SellerID  string `json:"sellerId"`
	Available string `json:"available"`
	Pending   string `json:"pending"`
}

func orderResult(title string, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var resp struct {
		Order *orderView `json:"order"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Order == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Unexpected order response: %s", string(raw))), nil
	}
	var sb strings.Builder
	sb.WriteString(title + ":\n")
	writeOrder(&sb, *resp.Order, "  ")
	return mcp.NewToolResultText(sb.String()), nil
}

func writeOrder(sb *strings.Builder, o orderView, indent string) {
	name := o.ListingName
	if name == "" {
		name = o.ListingID
	}
	fmt.Fprintf(sb, "%s%s [%s] %d x %s, total %s\n", indent, o.ID, o.Status, o.Quantity, name, o.TotalPrice)
	fmt.Fprintf(sb, "%s  Buyer: %s | Seller: %s\n", indent, o.BuyerID, o.SellerID)
	if o.Status == "reserved" && o.ReservationExpiresAt != nil {
		fmt.Fprintf(sb, "%s  Pickup due: %s\n", indent, o.ReservationExpiresAt.UTC().Format(time.RFC3339))
	}
	if o.CancelReason != "" {
		fmt.Fprintf(sb, "%s  Reason: %s\n", indent, o.CancelReason)
	}
}

func formatOrderList(raw json.RawMessage) (string, error) {
	var resp struct {
		Orders  []orderView `json:"orders"`
		HasMore bool        `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Orders) == 0 {
		return "No orders found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d order(s):\n\n", len(resp.Orders))
	for i, o := range resp.Orders {
		fmt.Fprintf(&sb, "%d. ", i+1)
		writeOrder(&sb, o, "")
	}
	if resp.HasMore {
		sb.WriteString("\nMore orders match; narrow the filter or raise the limit.\n")
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp struct {
		Balance *balanceView `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Balance == nil {
		return "", fmt.Errorf("no balance in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow balance for %s:\n", resp.Balance.SellerID)
	fmt.Fprintf(&sb, "  Available: %s\n", resp.Balance.Available)
	fmt.Fprintf(&sb, "  Pending:   %s\n", resp.Balance.Pending)
	return sb.String(), nil
}

func formatReconciliation(raw json.RawMessage) (string, error) {
	var resp struct {
		Reconciliation *struct {
			SellerID   string      `json:"sellerId"`
			Aggregate  balanceView `json:"aggregate"`
			Recomputed balanceView `json:"recomputed"`
			Entries    int         `json:"entries"`
			Consistent bool        `json:"consistent"`
		} `json:"reconciliation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	r := resp.Reconciliation
	if r == nil {
		return "", fmt.Errorf("no reconciliation in response")
	}

	var sb strings.Builder
	state := "consistent"
	if !r.Consistent {
		state = "MISMATCH"
	}
	fmt.Fprintf(&sb, "Reconciliation for %s: %s (%d entries)\n", r.SellerID, state, r.Entries)
	fmt.Fprintf(&sb, "  Aggregate:  available %s, pending %s\n", r.Aggregate.Available, r.Aggregate.Pending)
	fmt.Fprintf(&sb, "  Recomputed: available %s, pending %s\n", r.Recomputed.Available, r.Recomputed.Pending)
	return sb.String(), nil
}

func writePledge(sb *strings.Builder, p pledgeView) {
	fmt.Fprintf(sb, "  Owner: %s\n", p.OwnerID)
	fmt.Fprintf(sb, "  Collateral: %d x %s (%s), value %s\n", p.Listing.Quantity, p.Listing.Name, p.Listing.ListingID, p.Listing.TotalValue)
	fmt.Fprintf(sb, "  Loan: %s (LTV %s)\n", p.LoanAmount, p.LTV)
	if p.VerifiedBy != "" {
		fmt.Fprintf(sb, "  Verified by: %s\n", p.VerifiedBy)
	}
	if p.Note != "" {
		fmt.Fprintf(sb, "  Note: %s\n", p.Note)
	}
}

func formatPledgeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Pledges []pledgeView `json:"pledges"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Pledges) == 0 {
		return "No pledges found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d pledge(s):\n\n", len(resp.Pledges))
	for i, p := range resp.Pledges {
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, p.ID, p.Status)
		writePledge(&sb, p)
	}
	return sb.String(), nil
}

func formatAuditTrail(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []struct {
			Operation  string    `json:"operation"`
			FromStatus string    `json:"fromStatus"`
			ToStatus   string    `json:"toStatus"`
			ActorID    string    `json:"actorId"`
			ActorRole  string    `json:"actorRole"`
			Detail     string    `json:"detail"`
			CreatedAt  time.Time `json:"createdAt"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Entries) == 0 {
		return "No audit entries.", nil
	}

	var sb strings.Builder
	for _, e := range resp.Entries {
		move := e.ToStatus
		if e.FromStatus != "" {
			move = e.FromStatus + " -> " + e.ToStatus
		}
		fmt.Fprintf(&sb, "%s  %-9s %-24s by %s (%s)", e.CreatedAt.UTC().Format(time.RFC3339), e.Operation, move, e.ActorID, e.ActorRole)
		if e.Detail != "" {
			fmt.Fprintf(&sb, "  %s", e.Detail)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
