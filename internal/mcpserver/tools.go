package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the settlement operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListOrders = mcp.NewTool("list_orders",
	mcp.WithDescription(
		"List marketplace orders, newest first. "+
			"Filter by status to find orders waiting for approval (pending), "+
			"awaiting pickup (reserved), or settled (completed, cancelled)."),
	mcp.WithString("status",
		mcp.Description("Order status filter"),
		mcp.Enum("pending", "approved", "reserved", "completed", "cancelled")),
	mcp.WithString("seller_id",
		mcp.Description("Only orders for this seller")),
	mcp.WithString("buyer_id",
		mcp.Description("Only orders placed by this buyer")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of orders to return (default 20)")),
)

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription("Show one order with its quantities, totals, timestamps and escrow state."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Order id (e.g. 'ord_...')")),
)

var ToolApproveOrder = mcp.NewTool("approve_order",
	mcp.WithDescription(
		"Approve a pending order on behalf of the marketplace. "+
			"Stock is already reserved; approval lets the buyer pay."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Order id to approve")),
)

var ToolRejectOrder = mcp.NewTool("reject_order",
	mcp.WithDescription(
		"Reject a pending or approved order. The reserved stock goes back to the listing. "+
			"Paid (reserved) orders cannot be rejected."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Order id to reject")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the order is rejected; shown to the buyer")),
)

var ToolCompleteOrder = mcp.NewTool("complete_order",
	mcp.WithDescription(
		"Record that the buyer picked up a paid order. "+
			"This releases the held escrow to the seller's available balance."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Order id to complete")),
	mcp.WithString("pickup_code",
		mcp.Description("Pickup code presented by the buyer (e.g. 'PIN-1234'). Checked when given.")),
)

var ToolSellerBalance = mcp.NewTool("seller_balance",
	mcp.WithDescription(
		"Show a seller's escrow balance: available funds that can be withdrawn "+
			"and pending funds still held for uncollected orders."),
	mcp.WithString("seller_id",
		mcp.Required(),
		mcp.Description("Seller party id")),
)

var ToolReconcileSeller = mcp.NewTool("reconcile_seller",
	mcp.WithDescription(
		"Recompute a seller's balance from individual escrow entries and compare it "+
			"with the aggregate. Use when a balance looks wrong."),
	mcp.WithString("seller_id",
		mcp.Required(),
		mcp.Description("Seller party id")),
)

var ToolListPledges = mcp.NewTool("list_pledges",
	mcp.WithDescription("List collateral pledges with their loan amount, listing snapshot and status."),
	mcp.WithString("status",
		mcp.Description("Pledge status filter"),
		mcp.Enum("pending", "verified", "active", "released", "defaulted")),
	mcp.WithString("owner_id",
		mcp.Description("Only pledges by this owner")),
)

var ToolAdvancePledge = mcp.NewTool("advance_pledge",
	mcp.WithDescription(
		"Move a collateral pledge forward: pending to verified, verified to active, "+
			"active to released (loan repaid) or defaulted. Transitions never go backwards."),
	mcp.WithString("pledge_id",
		mcp.Required(),
		mcp.Description("Pledge code (e.g. 'PLG-ABCD-2345')")),
	mcp.WithString("status",
		mcp.Required(),
		mcp.Description("Target status"),
		mcp.Enum("verified", "active", "released", "defaulted")),
	mcp.WithString("note",
		mcp.Description("Optional note kept on the pledge")),
)

var ToolAuditTrail = mcp.NewTool("audit_trail",
	mcp.WithDescription("Show who moved an order, listing, escrow entry or pledge between states, and when."),
	mcp.WithString("entity_type",
		mcp.Required(),
		mcp.Enum("order", "listing", "escrow", "pledge")),
	mcp.WithString("entity_id",
		mcp.Required(),
		mcp.Description("Id of the entity")),
)
