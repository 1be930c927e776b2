package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all operator tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("cropstack-settlement", version)
	h := NewHandlers(NewSettlementClient(cfg))

	s.AddTool(ToolListOrders, h.HandleListOrders)
	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolApproveOrder, h.HandleApproveOrder)
	s.AddTool(ToolRejectOrder, h.HandleRejectOrder)
	s.AddTool(ToolCompleteOrder, h.HandleCompleteOrder)
	s.AddTool(ToolSellerBalance, h.HandleSellerBalance)
	s.AddTool(ToolReconcileSeller, h.HandleReconcileSeller)
	s.AddTool(ToolListPledges, h.HandleListPledges)
	s.AddTool(ToolAdvancePledge, h.HandleAdvancePledge)
	s.AddTool(ToolAuditTrail, h.HandleAuditTrail)

	return s
}
